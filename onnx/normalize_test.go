package onnx

import (
	"testing"

	"github.com/krau/clipworker/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	const size = 2
	plane := size * size
	data := make([]float32, 2*service.Channels*plane)
	for i := range data {
		data[i] = 0.5
	}
	in := service.ImageBatch{Data: data, N: 2, C: service.Channels, H: size, W: size}

	out, err := Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), in.Data[0], "input must stay untouched")

	for n := range 2 {
		for c := range service.Channels {
			want := (0.5 - clipMean[c]) / clipStd[c]
			base := (n*service.Channels + c) * plane
			for _, v := range out.Data[base : base+plane] {
				assert.InDelta(t, want, v, 1e-6)
			}
		}
	}
}

func TestNormalize_rejectsBadShape(t *testing.T) {
	_, err := Normalize(service.ImageBatch{Data: make([]float32, 4), N: 1, C: 1, H: 2, W: 2})
	assert.Error(t, err)
	_, err = Normalize(service.ImageBatch{Data: make([]float32, 5), N: 1, C: 3, H: 2, W: 2})
	assert.Error(t, err)
}
