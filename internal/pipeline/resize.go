package pipeline

import (
	"image"

	"github.com/disintegration/imaging"
)

// Size is the edge length of every avatar thumbnail.
const Size = 480

// Fill scales img so the Size×Size square is fully covered and crops the
// overflow around the center. Smaller sources are upscaled.
func Fill(img image.Image) *image.NRGBA {
	return imaging.Fill(img, Size, Size, imaging.Center, imaging.Linear)
}
