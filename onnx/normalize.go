package onnx

import (
	"fmt"

	"github.com/krau/clipworker/service"
)

var (
	clipMean = [service.Channels]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [service.Channels]float32{0.26862954, 0.26130258, 0.27577711}
)

// Normalize returns a copy of batch standardized with the CLIP channel mean
// and std. The input stays in [0,1].
func Normalize(batch service.ImageBatch) (service.ImageBatch, error) {
	if batch.C != service.Channels {
		return batch, fmt.Errorf("expected %d channels, got %d", service.Channels, batch.C)
	}
	plane := batch.H * batch.W
	if len(batch.Data) != batch.N*batch.C*plane {
		return batch, fmt.Errorf("batch data has wrong size: got %d, expected %d", len(batch.Data), batch.N*batch.C*plane)
	}
	out := batch
	out.Data = make([]float32, len(batch.Data))
	for n := range batch.N {
		for c := range batch.C {
			base := (n*batch.C + c) * plane
			m, s := clipMean[c], clipStd[c]
			for i := base; i < base+plane; i++ {
				out.Data[i] = (batch.Data[i] - m) / s
			}
		}
	}
	return out, nil
}
