// Package api exposes FATE's admin operations over grpc. Since no protoc
// toolchain is available to generate .pb.go stubs, requests and responses
// are plain Go structs marshaled with a hand-registered JSON grpc.Codec
// (named "json") instead of protobuf — grpc's wire framing (length-prefixed
// messages) is codec-agnostic, so this is a supported, if less common, way
// to run grpc
// without protobuf. Streaming/reflection tooling that assumes protobuf
// wire format won't work against this server; plain unary RPCs do.
package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
