package ws

import (
	"encoding/json"
	"fmt"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func decodeJSON(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}
