package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype clients select with
// grpc.CallContentSubtype: requests arrive as application/grpc+json.
const codecName = "json"

// jsonCodec carries the API messages as JSON inside gRPC frames. The
// request and response types are the query service's own structs, so
// gRPC and the HTTP gateway serve the same documents.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
