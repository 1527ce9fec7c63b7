//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newAVIFEncoder(quality, speed int) Encoder {
	return AVIFEncoder{Quality: quality, Speed: speed}
}
