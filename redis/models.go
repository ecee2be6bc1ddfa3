package redis

import (
	"encoding/json"

	"github.com/edgeee/chatsync/messaging"
)

// Messages are cached without the fields resolved on read, such as the
// sender profile, so that profile changes never go stale in the cache.
func encodeMessage(m messaging.Message) (string, error) {
	b, err := json.Marshal(m.Stored())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMessage(s string) (messaging.Message, error) {
	var m messaging.Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return messaging.Message{}, err
	}
	return m.Clone(), nil
}
