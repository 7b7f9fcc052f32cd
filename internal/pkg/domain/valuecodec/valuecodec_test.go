package valuecodec

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
)

var _ = Describe("DataType", func() {
	DescribeTable("parses tags into families",
		func(tag string, expected DataType, family Family) {
			dt := ParseDataType(tag)
			Expect(dt).To(Equal(expected))
			Expect(dt.Family()).To(Equal(family))
		},
		Entry("Boolean", "Boolean", Boolean, FamilyBoolean),
		Entry("BOOL alias", "BOOL", Boolean, FamilyBoolean),
		Entry("SByte", "sbyte", SByte, FamilyInteger),
		Entry("Byte", "Byte", Byte, FamilyInteger),
		Entry("Int16", "Int16", Int16, FamilyInteger),
		Entry("INT alias", "INT", Int16, FamilyInteger),
		Entry("UInt16", "UInt16", UInt16, FamilyInteger),
		Entry("Int32", "Int32", Int32, FamilyInteger),
		Entry("DINT alias", "dint", Int32, FamilyInteger),
		Entry("UInt32", "UINT32", UInt32, FamilyInteger),
		Entry("Int64", "Int64", Int64, FamilyInteger),
		Entry("UInt64", "UInt64", UInt64, FamilyInteger),
		Entry("Word", "Word", Word, FamilyInteger),
		Entry("DWord", "DWORD", DWord, FamilyInteger),
		Entry("Float", "Float", Float, FamilyFloat),
		Entry("Double", "Double", Double, FamilyFloat),
		Entry("Real", "REAL", Real, FamilyFloat),
		Entry("LReal", "LReal", LReal, FamilyFloat),
		Entry("String", "String", String, FamilyString),
		Entry("Char", "CHAR", Char, FamilyString),
		Entry("DateTime", "DateTime", DateTime, FamilyOther),
		Entry("LocalizedText", "LocalizedText", LocalizedText, FamilyOther),
		Entry("garbage", "Spaceship", Unknown, FamilyOther),
		Entry("empty", "", Unknown, FamilyOther),
	)

	It("round trips through its text form", func() {
		for dt := range names {
			var parsed DataType
			text, _ := dt.MarshalText()
			Expect(parsed.UnmarshalText(text)).To(Succeed())
			Expect(parsed).To(Equal(dt))
		}
	})
})

var _ = Describe("Decode", func() {
	DescribeTable("renders by family",
		func(raw interface{}, dt DataType, expected string) {
			Expect(Decode(raw, dt)).To(Equal(expected))
		},
		Entry("bool true", true, Boolean, "true"),
		Entry("bool false", false, Boolean, "false"),
		Entry("bool from number", 1, Boolean, "true"),
		Entry("bool from zero", 0.0, Boolean, "false"),
		Entry("int16", int16(-15), Int16, "-15"),
		Entry("int32", int32(42), Int32, "42"),
		Entry("uint64 keeps precision", uint64(18446744073709551615), UInt64, "18446744073709551615"),
		Entry("int64 keeps precision", int64(-9007199254740993), Int64, "-9007199254740993"),
		Entry("integer from float rounds", 41.6, Int32, "42"),
		Entry("integer from float rounds down", 41.4, DWord, "41"),
		Entry("word", uint16(65535), Word, "65535"),
		Entry("byte", uint8(7), Byte, "7"),
		Entry("float fixed", float32(2.5), Float, "2.50"),
		Entry("double rounds to 2 decimals", 3.14159, Double, "3.14"),
		Entry("real from integer", int32(3), Real, "3.00"),
		Entry("lreal negative", -0.005, LReal, "-0.01"),
		Entry("float from string", "2.5", Float, "2.50"),
		Entry("string as is", "hello world", String, "hello world"),
		Entry("char as is", "A", Char, "A"),
		Entry("unknown scalar", 12, Unknown, "12"),
		Entry("nil", nil, Double, ""),
	)

	It("recurses into localized text", func() {
		lt := map[string]interface{}{"locale": "en", "text": "Running"}
		Expect(Decode(lt, LocalizedText)).To(Equal("Running"))
	})

	It("recurses into structs carrying a Text field", func() {
		lt := struct {
			Locale string
			Text   string
		}{"sv", "Igång"}
		Expect(Decode(lt, LocalizedText)).To(Equal("Igång"))
	})

	It("recurses into value wrappers and applies the family rules", func() {
		wrapped := map[string]interface{}{"value": 21.456}
		Expect(Decode(wrapped, Double)).To(Equal("21.46"))
	})

	It("dumps other objects as json", func() {
		obj := map[string]interface{}{"a": 1, "b": "two"}
		Expect(Decode(obj, ExtensionObject)).To(Equal(`{"a":1,"b":"two"}`))
	})

	It("renders times as RFC 3339", func() {
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		Expect(Decode(ts, DateTime)).To(Equal("2024-05-01T12:00:00Z"))
	})
})

var _ = Describe("ValidateInputFormat", func() {
	It("rejects a comma decimal separator with a distinguished error", func() {
		err := ValidateInputFormat("2,5", Float)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, apierr.ErrDecimalSeparator)).To(BeTrue())
		Expect(errors.Is(err, apierr.ErrValidation)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Use dot (.) as decimal separator"))
	})

	It("accepts a dot decimal separator", func() {
		Expect(ValidateInputFormat("2.5", Float)).To(Succeed())
	})

	DescribeTable("accepts well formed input",
		func(input string, dt DataType) {
			Expect(ValidateInputFormat(input, dt)).To(Succeed())
		},
		Entry("negative integer", "-15", Int32),
		Entry("integer with spaces", " 42 ", UInt16),
		Entry("float without decimals", "3", Double),
		Entry("float trailing dot", "3.", Real),
		Entry("negative float", "-3.14", LReal),
		Entry("bool true", "TRUE", Boolean),
		Entry("bool on", "on", Boolean),
		Entry("bool zero", "0", Boolean),
		Entry("string anything", "2,5 apples", String),
		Entry("unknown anything", "whatever", Unknown),
	)

	DescribeTable("rejects malformed input",
		func(input string, dt DataType, fragment string) {
			err := ValidateInputFormat(input, dt)
			Expect(errors.Is(err, apierr.ErrValidation)).To(BeTrue())
			Expect(errors.Is(err, apierr.ErrDecimalSeparator)).To(BeFalse())
			Expect(err.Error()).To(ContainSubstring(fragment))
		},
		Entry("decimal for integer", "2.5", Int32, "Must be a whole number"),
		Entry("letters for integer", "abc", Int16, "Must be a whole number"),
		Entry("plus sign for integer", "+5", Int64, "Must be a whole number"),
		Entry("two dots for float", "1.2.3", Double, "Must be a number with dot as decimal"),
		Entry("leading dot for float", ".5", Float, "Must be a number with dot as decimal"),
		Entry("exponent for float", "1e3", Double, "Must be a number with dot as decimal"),
		Entry("bool word", "yes", Boolean, "Use true/false or 1/0 or on/off"),
	)
})

var _ = Describe("Encode", func() {
	DescribeTable("produces the matching Go type",
		func(input string, dt DataType, expected interface{}) {
			tv, err := Encode(input, dt)
			Expect(err).NotTo(HaveOccurred())
			Expect(tv.DataType).To(Equal(dt))
			Expect(tv.Value).To(Equal(expected))
		},
		Entry("bool true", "true", Boolean, true),
		Entry("bool 1", "1", Boolean, true),
		Entry("bool ON", "ON", Boolean, true),
		Entry("bool off", "off", Boolean, false),
		Entry("bool anything else", "nope", Boolean, false),
		Entry("sbyte", "-8", SByte, int8(-8)),
		Entry("byte", "200", Byte, uint8(200)),
		Entry("int16", "-300", Int16, int16(-300)),
		Entry("uint16", "300", UInt16, uint16(300)),
		Entry("word", "65535", Word, uint16(65535)),
		Entry("int32", "42", Int32, int32(42)),
		Entry("uint32", "42", UInt32, uint32(42)),
		Entry("dword", "4294967295", DWord, uint32(4294967295)),
		Entry("int64", "-9000000000", Int64, int64(-9000000000)),
		Entry("uint64", "18446744073709551615", UInt64, uint64(18446744073709551615)),
		Entry("float", "2.5", Float, float32(2.5)),
		Entry("real", "2.5", Real, float32(2.5)),
		Entry("double", "-3.14", Double, -3.14),
		Entry("lreal", "1.", LReal, 1.0),
		Entry("string unchanged", " padded ", String, " padded "),
		Entry("char", "x", Char, "x"),
		Entry("unknown passes through", "raw", Unknown, "raw"),
	)

	DescribeTable("fails to encode values that do not fit",
		func(input string, dt DataType) {
			_, err := Encode(input, dt)
			Expect(errors.Is(err, apierr.ErrEncode)).To(BeTrue())
		},
		Entry("byte overflow", "256", Byte),
		Entry("sbyte overflow", "128", SByte),
		Entry("negative unsigned", "-1", UInt32),
		Entry("int16 overflow", "40000", Int16),
		Entry("not a float", "abc", Double),
		Entry("bad datetime", "yesterday", DateTime),
		Entry("unsupported type", "x", NodeID),
	)

	It("parses DateTime as RFC 3339", func() {
		tv, err := Encode("2024-05-01T12:00:00Z", DateTime)
		Expect(err).NotTo(HaveOccurred())
		Expect(tv.Value).To(Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	})

	It("validates before encoding in Prepare", func() {
		_, err := Prepare("2,5", Double)
		Expect(errors.Is(err, apierr.ErrDecimalSeparator)).To(BeTrue())

		tv, err := Prepare("2.5", Double)
		Expect(err).NotTo(HaveOccurred())
		Expect(tv.Value).To(Equal(2.5))
	})
})

var _ = Describe("Round trips", func() {
	DescribeTable("decode(encode(validate(s))) gives the expected display value",
		func(input string, dt DataType, display string) {
			Expect(ValidateInputFormat(input, dt)).To(Succeed())
			tv, err := Encode(input, dt)
			Expect(err).NotTo(HaveOccurred())
			Expect(Decode(tv.Value, dt)).To(Equal(display))
		},
		Entry("Int32", "42", Int32, "42"),
		Entry("Int16 negative", "-15", Int16, "-15"),
		Entry("UInt64", "7", UInt64, "7"),
		Entry("Float", "2.5", Float, "2.50"),
		Entry("Double", "-3.14159", Double, "-3.14"),
		Entry("LReal", "10", LReal, "10.00"),
		Entry("Boolean", "true", Boolean, "true"),
		Entry("Boolean on", "on", Boolean, "true"),
		Entry("Boolean 0", "0", Boolean, "false"),
		Entry("String", "Pump 1", String, "Pump 1"),
	)
})
