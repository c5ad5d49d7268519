package bus

import (
	"encoding/json"
	"log"
)

func marshalBody(body map[string]any) []byte {
	b, err := json.Marshal(body)
	if err != nil {
		log.Printf("bus: marshal body: %v", err)
		return []byte("{}")
	}
	return b
}
