// Package publish fans prediction results out to message brokers. Each
// publisher is registered as a scheduler sink and receives results in append
// order.
package publish

import (
	"context"
	"encoding/json"
	"errors"

	"nidsguard/internal/model"
)

// Publisher delivers one result to a broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, res model.PredictionResult) error
	Close() error
}

func encode(res model.PredictionResult) ([]byte, error) {
	return json.Marshal(res)
}

// CloseAll closes every publisher and joins their errors.
func CloseAll(pubs []Publisher) error {
	var errs []error
	for _, p := range pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
