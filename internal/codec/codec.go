// Package codec provides the CBOR encoding used for persisted router
// records (event history entries, realm store snapshots). Encoding is
// deterministic so that identical records always produce identical bytes,
// which keeps store backends diff- and dedup-friendly.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Event arguments round-trip through wamp.Dict (map[string]any).
		// The CBOR default for any-typed targets is
		// map[interface{}]interface{}, which nothing downstream can use;
		// force string-keyed maps instead. Struct field decoding is
		// unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
