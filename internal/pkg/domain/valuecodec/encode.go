package valuecodec

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
)

//TypedValue is a user supplied value converted to the Go type matching its data type
type TypedValue struct {
	DataType DataType
	Value    interface{}
}

var (
	integerPattern = regexp.MustCompile(`^-?\d+$`)
	floatPattern   = regexp.MustCompile(`^-?\d+\.?\d*$`)
)

var booleanWords = map[string]bool{
	"true":  true,
	"1":     true,
	"on":    true,
	"false": false,
	"0":     false,
	"off":   false,
}

func isTrueWord(s string) bool {
	return booleanWords[strings.ToLower(strings.TrimSpace(s))]
}

//ValidateInputFormat checks that a string typed by a user can be written as the given data type
func ValidateInputFormat(input string, dt DataType) error {
	s := strings.TrimSpace(input)

	switch dt.Family() {
	case FamilyFloat:
		if strings.Contains(s, ",") {
			return apierr.New(apierr.DecimalSeparator,
				"Invalid format: Use dot (.) as decimal separator, not comma (,). Example: 2.5 instead of 2,5")
		}
		if !floatPattern.MatchString(s) {
			return apierr.New(apierr.Validation,
				"Invalid format for %s: Must be a number with dot as decimal. Example: 2.5 or -3.14", dt)
		}
	case FamilyInteger:
		if !integerPattern.MatchString(s) {
			return apierr.New(apierr.Validation,
				"Invalid format for %s: Must be a whole number. Example: 42 or -15", dt)
		}
	case FamilyBoolean:
		if _, ok := booleanWords[strings.ToLower(s)]; !ok {
			return apierr.New(apierr.Validation,
				"Invalid format for %s: Use true/false or 1/0 or on/off", dt)
		}
	}

	return nil
}

//Encode converts a validated user string into a typed value ready to be written
func Encode(input string, dt DataType) (TypedValue, error) {
	s := strings.TrimSpace(input)
	tv := TypedValue{DataType: dt}

	switch dt.Family() {
	case FamilyBoolean:
		tv.Value = isTrueWord(s)
		return tv, nil

	case FamilyInteger:
		if dt.unsigned() {
			u, err := strconv.ParseUint(s, 10, dt.bitSize())
			if err != nil {
				return tv, apierr.Wrap(apierr.Encode, err, "cannot encode %q as %s", input, dt)
			}
			tv.Value = unsignedAs(u, dt)
			return tv, nil
		}

		i, err := strconv.ParseInt(s, 10, dt.bitSize())
		if err != nil {
			return tv, apierr.Wrap(apierr.Encode, err, "cannot encode %q as %s", input, dt)
		}
		tv.Value = signedAs(i, dt)
		return tv, nil

	case FamilyFloat:
		f, err := strconv.ParseFloat(s, dt.bitSize())
		if err != nil {
			return tv, apierr.Wrap(apierr.Encode, err, "cannot encode %q as %s", input, dt)
		}
		if dt.bitSize() == 32 {
			tv.Value = float32(f)
		} else {
			tv.Value = f
		}
		return tv, nil

	case FamilyString:
		tv.Value = input
		return tv, nil
	}

	switch dt {
	case Unknown:
		tv.Value = input
	case DateTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return tv, apierr.Wrap(apierr.Encode, err, "cannot encode %q as %s, expected RFC 3339", input, dt)
		}
		tv.Value = t
	case ByteString:
		tv.Value = []byte(input)
	default:
		return tv, apierr.New(apierr.Encode, "writing values of type %s is not supported", dt)
	}

	return tv, nil
}

//Prepare validates and encodes in one step, which is what every write path wants
func Prepare(input string, dt DataType) (TypedValue, error) {
	if err := ValidateInputFormat(input, dt); err != nil {
		return TypedValue{DataType: dt}, err
	}
	return Encode(input, dt)
}

func signedAs(i int64, dt DataType) interface{} {
	switch dt {
	case SByte:
		return int8(i)
	case Int16:
		return int16(i)
	case Int32:
		return int32(i)
	}
	return i
}

func unsignedAs(u uint64, dt DataType) interface{} {
	switch dt {
	case Byte:
		return uint8(u)
	case UInt16, Word:
		return uint16(u)
	case UInt32, DWord:
		return uint32(u)
	}
	return u
}
