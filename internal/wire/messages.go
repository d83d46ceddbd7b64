package wire

import "github.com/unidata/ldm7up/internal/model"

// Procedure names. Subscribe is the only synchronous call; everything else
// is one-way in whichever direction it is listed.
const (
	ProcSubscribe             = "subscribe"
	ProcRequestProduct        = "requestProduct"
	ProcRequestBacklog        = "requestBacklog"
	ProcTestConnection        = "testConnection"
	ProcDeliverMissedProduct  = "deliverMissedProduct"
	ProcDeliverBacklogProduct = "deliverBacklogProduct"
	ProcNoSuchProduct         = "noSuchProduct"
)

type status uint8

const (
	statusOK status = 1 + iota
	statusRequestError
	statusServerError
)

// header travels in every frameTypeHeader payload. Endpoint is set on
// requests; Error/ErrorMessage are set on the Subscribe reply only, since
// it is the sole procedure with a reply.
type header struct {
	Endpoint     string
	Error        status
	ErrorMessage string
}

type requestProductBody struct {
	Index model.SequenceIndex
}

type noSuchProductBody struct {
	Index model.SequenceIndex
}

type deliverMissedProductBody struct {
	Index   model.SequenceIndex
	Product model.Product
}
