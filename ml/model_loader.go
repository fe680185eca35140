package ml

import (
	"fmt"
)

func LoadModel(modelType, path string) (MLModel, error) {
	switch modelType {
	case "knn":
		model := &KNNClassifier{}
		if err := model.Load(path); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("%w: unsupported model type %q", ErrConfiguration, modelType)
	}
}
