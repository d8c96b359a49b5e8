package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/waltail/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
}

// JSONTransformer renders a change event as a flat JSON object
type JSONTransformer struct{}

func (JSONTransformer) Transform(event publisher.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func (JSONTransformer) Tombstone(key string) []byte {
	return nil
}
