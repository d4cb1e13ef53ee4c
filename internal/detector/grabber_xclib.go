//go:build xclib

package detector

// Production binding to the EPIX XCLIB frame grabber SDK. Built only with
// the xclib tag on hosts that have the vendor SDK installed.

/*
#cgo CFLAGS: -I/usr/local/xclib/inc
#cgo LDFLAGS: -L/usr/local/xclib/lib -lxclib -lm
#include <stdlib.h>
#include "xcliball.h"
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// xclibGrabber drives camera unit 1 of the PIXCI card.
type xclibGrabber struct {
	sizeX int
	sizeY int
}

// OpenXCLIB connects to the PIXCI driver. The format file is supplied later
// through Open.
func OpenXCLIB() (FrameGrabber, error) {
	return &xclibGrabber{}, nil
}

func (g *xclibGrabber) Open(formatFile string) error {
	cFormat := C.CString(formatFile)
	defer C.free(unsafe.Pointer(cFormat))
	if rc := C.pxd_PIXCIopen(nil, nil, cFormat); rc < 0 {
		return fmt.Errorf("detector: pxd_PIXCIopen(%q) failed (%d)", formatFile, int(rc))
	}
	g.sizeX = int(C.pxd_imageXdim())
	g.sizeY = int(C.pxd_imageYdim())
	return nil
}

func (g *xclibGrabber) Close() error {
	if rc := C.pxd_PIXCIclose(); rc < 0 {
		return fmt.Errorf("detector: pxd_PIXCIclose failed (%d)", int(rc))
	}
	return nil
}

func (g *xclibGrabber) GoLivePair(buffer1, buffer2 int) error {
	if rc := C.pxd_goLivePair(1, C.pxbuffer_t(buffer1), C.pxbuffer_t(buffer2)); rc < 0 {
		return fmt.Errorf("detector: pxd_goLivePair failed (%d)", int(rc))
	}
	return nil
}

func (g *xclibGrabber) AbortLive() error {
	if rc := C.pxd_goAbortLive(1); rc < 0 {
		return fmt.Errorf("detector: pxd_goAbortLive failed (%d)", int(rc))
	}
	return nil
}

func (g *xclibGrabber) CapturedBuffer() (int, error) {
	return int(C.pxd_capturedBuffer(1)), nil
}

func (g *xclibGrabber) ReadUShort(buffer int, dst []uint16) (int, error) {
	cColor := C.CString("Grey")
	defer C.free(unsafe.Pointer(cColor))
	rc := C.pxd_readushort(1, C.pxbuffer_t(buffer), 0, 0,
		C.pxcoord_t(g.sizeX), C.pxcoord_t(g.sizeY),
		(*C.ushort)(unsafe.Pointer(&dst[0])), C.int(len(dst)), cColor)
	if rc < 0 {
		return 0, fmt.Errorf("detector: pxd_readushort failed (%d)", int(rc))
	}
	return int(rc), nil
}

func (g *xclibGrabber) SensorSize() (int, int, error) {
	if g.sizeX == 0 || g.sizeY == 0 {
		return 0, 0, fmt.Errorf("detector: grabber not open")
	}
	return g.sizeX, g.sizeY, nil
}
