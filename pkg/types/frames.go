package types

import (
	"bytes"
	"encoding/json"
)

// KeepAliveFrame is the SSE comment line pushed to idle connections.
var KeepAliveFrame = []byte(": keep-alive\n\n")

// DataFrame renders a payload as a single SSE data line: "data: <json>\n\n".
func DataFrame(payload ChangePayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// FrameData extracts the JSON body of a frame built by DataFrame.
// It reports false for comment frames such as KeepAliveFrame.
func FrameData(frame []byte) ([]byte, bool) {
	body, ok := bytes.CutPrefix(frame, []byte("data: "))
	if !ok {
		return nil, false
	}
	return bytes.TrimSuffix(body, []byte("\n\n")), true
}
