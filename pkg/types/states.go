package types

// BatchState is the lifecycle state of a Batch.
type BatchState string

const (
	BatchBuilding           BatchState = "building"
	BatchUploading          BatchState = "uploading"
	BatchUploaded           BatchState = "uploaded"
	BatchWaitingForCapacity BatchState = "waiting_for_capacity"
	BatchOpenAIProcessing   BatchState = "openai_processing"
	BatchOpenAICompleted    BatchState = "openai_completed"
	BatchDownloading        BatchState = "downloading"
	BatchReadyToDeliver     BatchState = "ready_to_deliver"
	BatchDelivering         BatchState = "delivering"
	BatchDelivered          BatchState = "delivered"
	BatchPartiallyDelivered BatchState = "partially_delivered"
	BatchDeliveryFailed     BatchState = "delivery_failed"
	BatchExpired            BatchState = "expired"
	BatchFailed             BatchState = "failed"
	BatchCancelled          BatchState = "cancelled"
	BatchDone               BatchState = "done"
)

// batchTransitions is the full legal transition graph for batches.
//
// The expired → uploading edge is the re-submission path, and expired →
// ready_to_deliver finalizes a partially expired batch with nothing left to
// re-submit. delivered, partially_delivered and delivery_failed re-enter
// delivering on operator redeliver. A permanent provider error surfaces as
// failed from uploading and uploaded. Everything still in flight may be
// cancelled.
var batchTransitions = map[BatchState][]BatchState{
	BatchBuilding:           {BatchUploading, BatchCancelled},
	BatchUploading:          {BatchUploaded, BatchFailed, BatchCancelled},
	BatchUploaded:           {BatchOpenAIProcessing, BatchWaitingForCapacity, BatchFailed, BatchCancelled},
	BatchWaitingForCapacity: {BatchOpenAIProcessing, BatchCancelled},
	BatchOpenAIProcessing:   {BatchOpenAICompleted, BatchExpired, BatchWaitingForCapacity, BatchFailed, BatchCancelled},
	BatchOpenAICompleted:    {BatchDownloading, BatchCancelled},
	BatchDownloading:        {BatchReadyToDeliver, BatchFailed, BatchCancelled},
	BatchReadyToDeliver:     {BatchDelivering, BatchCancelled},
	BatchDelivering:         {BatchDelivered, BatchPartiallyDelivered, BatchDeliveryFailed, BatchCancelled},
	BatchExpired:            {BatchUploading, BatchReadyToDeliver},
	BatchDelivered:          {BatchDelivering, BatchDone},
	BatchPartiallyDelivered: {BatchDelivering, BatchDone},
	BatchDeliveryFailed:     {BatchDelivering, BatchDone},
	BatchFailed:             {BatchDone},
	BatchCancelled:          {},
	BatchDone:               {},
}

var batchTerminal = map[BatchState]bool{
	BatchDelivered:          true,
	BatchPartiallyDelivered: true,
	BatchDeliveryFailed:     true,
	BatchFailed:             true,
	BatchCancelled:          true,
	BatchDone:               true,
}

// IsTerminal reports whether the state ends the normal batch lifecycle.
// Operator redeliver may still move a finished batch back to delivering.
func (s BatchState) IsTerminal() bool {
	return batchTerminal[s]
}

// CanTransition reports whether s → to is a legal batch transition.
func (s BatchState) CanTransition(to BatchState) bool {
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known batch state.
func (s BatchState) Valid() bool {
	_, ok := batchTransitions[s]
	return ok
}

// TerminalBatchStates lists every end-of-lifecycle state, for queries that
// sweep finished batches.
var TerminalBatchStates = []BatchState{
	BatchDelivered,
	BatchPartiallyDelivered,
	BatchDeliveryFailed,
	BatchFailed,
	BatchCancelled,
	BatchDone,
}

// ActiveBatchStates are the states in which a batch occupies provider queue
// capacity for its model. Admission counts these as reserved tokens.
var ActiveBatchStates = []BatchState{
	BatchOpenAIProcessing,
	BatchOpenAICompleted,
	BatchDownloading,
	BatchReadyToDeliver,
	BatchDelivering,
}

// RequestState is the lifecycle state of a Request.
type RequestState string

const (
	RequestPending          RequestState = "pending"
	RequestOpenAIProcessing RequestState = "openai_processing"
	RequestOpenAIProcessed  RequestState = "openai_processed"
	RequestDelivering       RequestState = "delivering"
	RequestDelivered        RequestState = "delivered"
	RequestFailed           RequestState = "failed"
	RequestDeliveryFailed   RequestState = "delivery_failed"
	RequestExpired          RequestState = "expired"
	RequestCancelled        RequestState = "cancelled"
)

// requestTransitions is the legal transition graph for requests.
//
// The → pending edges out of late states exist only for the token-limit
// retry flow, which rewinds an entire batch for re-submission. pending →
// failed covers a batch that dies before provider submission.
var requestTransitions = map[RequestState][]RequestState{
	RequestPending:          {RequestOpenAIProcessing, RequestFailed, RequestCancelled},
	RequestOpenAIProcessing: {RequestOpenAIProcessed, RequestPending, RequestFailed, RequestExpired, RequestCancelled},
	RequestOpenAIProcessed:  {RequestDelivering, RequestPending, RequestCancelled},
	RequestDelivering:       {RequestDelivered, RequestDeliveryFailed, RequestPending, RequestCancelled},
	RequestDelivered:        {RequestOpenAIProcessed, RequestPending},
	RequestDeliveryFailed:   {RequestOpenAIProcessed, RequestPending},
	RequestFailed:           {RequestPending},
	RequestExpired:          {RequestPending},
	RequestCancelled:        {RequestPending},
}

// responseCarrying are the states in which a request holds its provider
// response payload. A move into any other state nulls the payload out.
var responseCarrying = map[RequestState]bool{
	RequestOpenAIProcessed: true,
	RequestDelivering:      true,
	RequestDelivered:       true,
	RequestDeliveryFailed:  true,
}

// CarriesResponse reports whether a request in this state holds a response
// payload.
func (s RequestState) CarriesResponse() bool {
	return responseCarrying[s]
}

var requestTerminal = map[RequestState]bool{
	RequestDelivered:      true,
	RequestFailed:         true,
	RequestDeliveryFailed: true,
	RequestExpired:        true,
	RequestCancelled:      true,
}

// IsTerminal reports whether the state ends the normal request lifecycle.
func (s RequestState) IsTerminal() bool {
	return requestTerminal[s]
}

// CanTransition reports whether s → to is a legal request transition.
func (s RequestState) CanTransition(to RequestState) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known request state.
func (s RequestState) Valid() bool {
	_, ok := requestTransitions[s]
	return ok
}
