// Copyright 2021-2022 The tdstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStreamRecordAccessors(t *testing.T) {
	assert := assert.New(t)

	seq := int64(7)
	uut := StreamRecord{
		Key:    "QUOTE-SUBS",
		Feed:   "quote",
		Entity: "AAPL",
		Seq:    &seq,
		Fields: map[string]interface{}{
			"symbol":       "AAPL",
			"last_price":   "150.25",
			"bid_price":    json.Number("150.2"),
			"total_volume": json.Number("1200300"),
			"marginable":   true,
		},
	}
	assert.Equal("QUOTE-SUBS/AAPL[7]", uut.String())

	// Case 1: present and absent
	{
		assert.True(uut.Has("symbol"))
		assert.False(uut.Has("ask_price"))
		_, ok := uut.Text("ask_price")
		assert.False(ok)
	}

	// Case 2: decimals from string and number
	{
		value, ok, err := uut.Decimal("last_price")
		assert.True(ok)
		assert.Nil(err)
		assert.True(decimal.RequireFromString("150.25").Equal(value))
		value, ok, err = uut.Decimal("bid_price")
		assert.True(ok)
		assert.Nil(err)
		assert.True(decimal.RequireFromString("150.2").Equal(value))
		_, ok, err = uut.Decimal("ask_price")
		assert.False(ok)
		assert.Nil(err)
		_, ok, err = uut.Decimal("marginable")
		assert.True(ok)
		assert.NotNil(err)
	}

	// Case 3: integers
	{
		value, ok, err := uut.Int64("total_volume")
		assert.True(ok)
		assert.Nil(err)
		assert.Equal(int64(1200300), value)
	}

	// Case 4: text
	{
		value, ok := uut.Text("marginable")
		assert.True(ok)
		assert.Equal("true", value)
	}
}

func TestErrorFamilies(t *testing.T) {
	assert := assert.New(t)

	assert.True(errors.Is(ErrNotReady, ErrUsage))
	assert.True(errors.Is(ErrMissingModifier, ErrUsage))
	assert.True(errors.Is(ErrEmptySymbolSet, ErrUsage))
	assert.False(errors.Is(ErrNotReady, ErrTransport))
	assert.True(errors.Is(ErrLoginTimeout, ErrTransport))
	assert.True(errors.Is(ErrUnknownKey, ErrProtocol))
}
