package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewJSONSerializer creates a serializer producing JSON text frames. It is
// slower than the binary serializer but readable in browser dev tools.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements IRPCSerializer with encoding/json. Payloads
// are base64 encoded by encoding/json.
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	if msg.MsgType == common.MsgTUnknown {
		return nil, fmt.Errorf("cannot serialize message without type")
	}
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	var decoded common.Message
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("invalid json message: %w", err)
	}
	if decoded.MsgType == common.MsgTUnknown {
		return fmt.Errorf("invalid json message: missing msg_type")
	}
	*msg = decoded
	return nil
}
