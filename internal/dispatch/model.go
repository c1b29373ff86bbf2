package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ExtractModel decodes a templated message body into the template model.
// A blank body yields a nil model.
func ExtractModel(body string) (any, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var model any
	if err := dec.Decode(&model); err != nil {
		return nil, modelError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after template model")
		}
		return nil, modelError(err)
	}

	return model, nil
}

func modelError(err error) *Error {
	return &Error{
		Kind:      ErrorKindModelExtraction,
		Templated: true,
		Message:   ErrModelExtraction.Error(),
		Err:       err,
	}
}
