// Copyright 2023 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package change

import (
	"math/big"

	"github.com/pkg/errors"
)

// BigInt is a row-value scalar that round-trips through JSON as a bare
// numeric literal rather than a quoted string, so that downstream
// clients that treat the wire format as plain JSON still see a number
// (preserving full int64/int128 precision, unlike float64).
type BigInt struct {
	*big.Int
}

// NewBigInt wraps an *big.Int as a BigInt scalar.
func NewBigInt(i *big.Int) BigInt { return BigInt{i} }

// MarshalJSON emits the integer as a bare numeric literal, e.g. 123 or
// -123456789012345678901234567890, with no surrounding quotes.
func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte("null"), nil
	}
	return []byte(b.Int.String()), nil
}

// UnmarshalJSON accepts a bare numeric literal and parses it with
// arbitrary precision.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		b.Int = nil
		return nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return errors.Errorf("change: invalid bigint literal %q", s)
	}
	b.Int = i
	return nil
}
