package httpapi

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Amount is a token amount in smallest units. It encodes as a decimal string
// and decodes from either a string or a bare JSON number.
type Amount struct {
	*big.Int
}

// NewAmount wraps n. A nil n encodes as "0".
func NewAmount(n *big.Int) Amount { return Amount{n} }

// Big returns the value, or zero when unset.
func (a Amount) Big() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Int)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return []byte(`"0"`), nil
	}
	return json.Marshal(a.Int.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.Int = nil
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("httpapi: invalid amount %q", s)
	}
	a.Int = n
	return nil
}
