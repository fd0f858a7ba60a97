// Package context carries request and batch metadata through a
// context.Context so log lines and error bodies can reference them.
package context

import "context"

type requestKey struct{}
type batchKey struct{}

// Request describes the API call a context belongs to
type Request struct {
	ID       string
	Method   string
	Route    string
	RemoteIP string
	Referer  string
	// Operator is the optional caller identity from the X-Operator header
	Operator string
}

func WithRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFrom returns the request stored on ctx, or the zero Request
func RequestFrom(ctx context.Context) Request {
	req, _ := ctx.Value(requestKey{}).(Request)
	return req
}

func GetRequestID(ctx context.Context) string {
	return RequestFrom(ctx).ID
}

func GetOperator(ctx context.Context) string {
	return RequestFrom(ctx).Operator
}

// SetBatchID tags ctx with the consolidation batch it belongs to
func SetBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchKey{}, batchID)
}

func GetBatchID(ctx context.Context) string {
	id, _ := ctx.Value(batchKey{}).(string)
	return id
}

// Fields returns the populated metadata on ctx as log fields
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	req := RequestFrom(ctx)
	if req.ID != "" {
		fields["request_id"] = req.ID
	}
	if req.Operator != "" {
		fields["operator"] = req.Operator
	}
	if batchID := GetBatchID(ctx); batchID != "" {
		fields["batch_id"] = batchID
	}
	return fields
}
