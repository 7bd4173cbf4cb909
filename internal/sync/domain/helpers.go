package domain

import "github.com/quillstone/charsync/internal/platform/id"

func idGeneratorOrDefault(idGenerator func() (string, error)) func() (string, error) {
	if idGenerator == nil {
		return id.NewID
	}
	return idGenerator
}
