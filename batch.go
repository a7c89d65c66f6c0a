package posthog

import (
	"bytes"
	"encoding/json"
)

// addResult is the three-valued outcome of messageBatch.add. Distinguishing
// batchFull from messageTooLarge matters: a full batch is flushed and the
// message retried, an oversized message is dropped.
type addResult int

const (
	batchAdded addResult = iota
	batchFull
	messageTooLarge
)

// messageBatch accumulates encoded messages up to both a count limit and an
// encoded-byte limit. The byte accounting starts at 2 for the surrounding
// brackets of the batch array and adds one separator byte per subsequent
// element, so encode() can splice the pre-encoded messages without
// re-marshaling.
type messageBatch struct {
	apiKey   string
	maxCount int

	encoded [][]byte
	bytes   int
}

func newMessageBatch(apiKey string, maxCount int) *messageBatch {
	return &messageBatch{apiKey: apiKey, maxCount: maxCount, bytes: 2}
}

func (b *messageBatch) add(msg *Message) addResult {
	data, err := json.Marshal(msg)
	if err != nil {
		// Messages are built from JSON-encodable properties; an encoding
		// failure is treated as an oversized/unsendable message.
		return messageTooLarge
	}
	if len(data) > maxMessageBytes {
		return messageTooLarge
	}
	cost := len(data)
	if len(b.encoded) > 0 {
		cost++ // separator
	}
	if len(b.encoded) >= b.maxCount || b.bytes+cost > maxBatchBytes {
		return batchFull
	}
	b.encoded = append(b.encoded, data)
	b.bytes += cost
	return batchAdded
}

func (b *messageBatch) count() int { return len(b.encoded) }

func (b *messageBatch) size() int { return b.bytes }

func (b *messageBatch) full() bool {
	return len(b.encoded) >= b.maxCount || b.bytes >= maxBatchBytes
}

func (b *messageBatch) clear() {
	b.encoded = b.encoded[:0]
	b.bytes = 2
}

// encode renders the delivery body {"api_key": ..., "batch": [...]}.
func (b *messageBatch) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"api_key":`)
	key, _ := json.Marshal(b.apiKey)
	buf.Write(key)
	buf.WriteString(`,"batch":[`)
	for i, msg := range b.encoded {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(msg)
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}
