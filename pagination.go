package loom

// Pagination bounds a list operation. A nil *Pagination returns everything.
//
// Pagination is stateless: the (Limit, Offset) window is recomputed per call
// with no held cursor, so concurrent inserts between two paginated calls may
// shift the window. List operations return the total match count alongside
// the page so callers can paginate without a second counting call.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
