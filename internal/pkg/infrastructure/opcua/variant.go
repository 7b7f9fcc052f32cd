package opcua

import (
	"github.com/gopcua/opcua/ua"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
)

var variantTypes = map[ua.TypeID]valuecodec.DataType{
	ua.TypeIDBoolean:         valuecodec.Boolean,
	ua.TypeIDSByte:           valuecodec.SByte,
	ua.TypeIDByte:            valuecodec.Byte,
	ua.TypeIDInt16:           valuecodec.Int16,
	ua.TypeIDUint16:          valuecodec.UInt16,
	ua.TypeIDInt32:           valuecodec.Int32,
	ua.TypeIDUint32:          valuecodec.UInt32,
	ua.TypeIDInt64:           valuecodec.Int64,
	ua.TypeIDUint64:          valuecodec.UInt64,
	ua.TypeIDFloat:           valuecodec.Float,
	ua.TypeIDDouble:          valuecodec.Double,
	ua.TypeIDString:          valuecodec.String,
	ua.TypeIDDateTime:        valuecodec.DateTime,
	ua.TypeIDGUID:            valuecodec.GUID,
	ua.TypeIDByteString:      valuecodec.ByteString,
	ua.TypeIDNodeID:          valuecodec.NodeID,
	ua.TypeIDStatusCode:      valuecodec.StatusCode,
	ua.TypeIDQualifiedName:   valuecodec.QualifiedName,
	ua.TypeIDLocalizedText:   valuecodec.LocalizedText,
	ua.TypeIDExtensionObject: valuecodec.ExtensionObject,
}

//DataTypeOf returns the gateway data type of a variant read from the server
func DataTypeOf(v *ua.Variant) valuecodec.DataType {
	if v == nil {
		return valuecodec.Unknown
	}

	if dt, ok := variantTypes[v.Type()]; ok {
		return dt
	}

	return valuecodec.Unknown
}

//ValueOf unwraps a variant into a plain value that the codec can render
func ValueOf(v *ua.Variant) interface{} {
	if v == nil {
		return nil
	}

	switch val := v.Value().(type) {
	case *ua.LocalizedText:
		if val == nil {
			return nil
		}
		return map[string]interface{}{"locale": val.Locale, "text": val.Text}
	case *ua.QualifiedName:
		if val == nil {
			return nil
		}
		return map[string]interface{}{"namespaceIndex": val.NamespaceIndex, "name": val.Name}
	case *ua.NodeID:
		if val == nil {
			return nil
		}
		return val.String()
	case *ua.GUID:
		if val == nil {
			return nil
		}
		return val.String()
	case ua.StatusCode:
		return val.Error()
	default:
		return val
	}
}

//NewVariant wraps an encoded value for a write request
func NewVariant(value valuecodec.TypedValue) (*ua.Variant, error) {
	return ua.NewVariant(value.Value)
}
