package imageutil

// ScaleBBox maps an [x1, y1, x2, y2] box from prepared-image pixels to
// original pixels and clamps it to the picture. Malformed boxes come back
// as nil.
func ScaleBBox(bbox []float64, p *Prepared) []float64 {
	if len(bbox) != 4 || p == nil {
		return nil
	}
	w, h := float64(p.Width), float64(p.Height)
	clamp := func(v, hi float64) float64 { return min(max(v, 0), hi) }
	return []float64{
		clamp(bbox[0]*p.Scale, w),
		clamp(bbox[1]*p.Scale, h),
		clamp(bbox[2]*p.Scale, w),
		clamp(bbox[3]*p.Scale, h),
	}
}

// ConvertPixelBBoxToRelative converts pixel bbox to relative (0-1) coordinates.
// Input bbox is [x1, y1, x2, y2] in pixels, output is [x1, y1, x2, y2] in relative coords.
func ConvertPixelBBoxToRelative(bbox []float64, width, height int) []float64 {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return bbox
	}
	return []float64{
		bbox[0] / float64(width),
		bbox[1] / float64(height),
		bbox[2] / float64(width),
		bbox[3] / float64(height),
	}
}
