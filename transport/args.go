package transport

import (
	"encoding/json"

	"exchange-coordinator/staticerr"

	"github.com/shopspring/decimal"
)

type arguments []json.RawMessage

func (a arguments) present(i int) bool {
	return i < len(a) && len(a[i]) > 0 && string(a[i]) != "null"
}

func (a arguments) intArg(i int, name string) (int64, error) {
	if !a.present(i) {
		return 0, staticerr.Invalid("Missing %s", name)
	}

	var number json.Number
	if err := json.Unmarshal(a[i], &number); err != nil {
		var text string
		if json.Unmarshal(a[i], &text) != nil {
			return 0, staticerr.Invalid("Bad %s", name)
		}
		number = json.Number(text)
	}

	value, err := number.Int64()
	if err != nil {
		return 0, staticerr.Invalid("Bad %s", name)
	}
	return value, nil
}

func (a arguments) stringArg(i int, name string) (string, error) {
	if !a.present(i) {
		return "", staticerr.Invalid("Missing %s", name)
	}

	var value string
	if err := json.Unmarshal(a[i], &value); err != nil {
		var number json.Number
		if json.Unmarshal(a[i], &number) != nil {
			return "", staticerr.Invalid("Bad %s", name)
		}
		value = number.String()
	}
	return value, nil
}

// decimalArg accepts both quoted and bare numbers. A missing value is zero.
func (a arguments) decimalArg(i int, name string) (decimal.Decimal, error) {
	if !a.present(i) {
		return decimal.Zero, nil
	}

	var value decimal.Decimal
	if err := value.UnmarshalJSON(a[i]); err != nil {
		return decimal.Zero, staticerr.Invalid("Bad %s", name)
	}
	return value, nil
}

func (a arguments) decode(i int, name string, target any) error {
	if !a.present(i) {
		return staticerr.Invalid("Missing %s", name)
	}
	if err := json.Unmarshal(a[i], target); err != nil {
		return staticerr.Invalid("Bad %s: %s", name, err.Error())
	}
	return nil
}
