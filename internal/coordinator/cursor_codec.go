package coordinator

import "encoding/json"

func marshalCursor(src any) ([]byte, error) {
	return json.Marshal(src)
}

func unmarshalCursor(raw []byte, dest any) error {
	return json.Unmarshal(raw, dest)
}
