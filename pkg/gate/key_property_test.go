//go:build property
// +build property

package gate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDeriveKeyDeterminism verifies key derivation ignores member order.
// Property: DeriveKey(p) == DeriveKey(reverse(p)) within one bucket
func TestDeriveKeyDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("derived key is independent of member order", prop.ForAll(
		func(subject string, keys []string, values []string, offset int64) bool {
			obj := make(map[string]string)
			var order []string
			for i := 0; i < len(keys) && i < len(values); i++ {
				if _, seen := obj[keys[i]]; !seen {
					order = append(order, keys[i])
				}
				obj[keys[i]] = values[i]
			}
			forward := encodeOrdered(order, obj)
			for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
				order[i], order[j] = order[j], order[i]
			}
			backward := encodeOrdered(order, obj)

			at := base.Add(time.Duration(offset) * time.Second)
			k1, err1 := DeriveKey(subject, "payment", forward, at, 5*time.Minute)
			k2, err2 := DeriveKey(subject, "payment", backward, at, 5*time.Minute)
			return err1 == nil && err2 == nil && k1 == k2
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.Int64Range(0, 299),
	))

	properties.Property("different subjects never share a key", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			payload := []byte(`{"amount":10,"currency":"USD"}`)
			ka, _ := DeriveKey(a, "payment", payload, base, 5*time.Minute)
			kb, _ := DeriveKey(b, "payment", payload, base, 5*time.Minute)
			return ka != kb
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func encodeOrdered(order []string, obj map[string]string) []byte {
	buf := []byte{'{'}
	for i, k := range order {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(obj[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}')
}
