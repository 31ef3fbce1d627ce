package cache

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"AgentForge/internal/unit"
)

// encMode uses Core Deterministic Encoding so the same plan always produces
// identical bytes.
var encMode cbor.EncMode

// decMode decodes any-typed values into map[string]any and ignores unknown
// fields so entries written by a newer build still load.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodePlan(plan *unit.Plan) ([]byte, error) {
	return encMode.Marshal(plan)
}

func decodePlan(data []byte) (*unit.Plan, error) {
	var plan unit.Plan
	if err := decMode.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
