//go:build !xclib

package detector

import "fmt"

// OpenXCLIB is only available in builds made with the xclib tag on hosts
// with the vendor SDK installed.
func OpenXCLIB() (FrameGrabber, error) {
	return nil, fmt.Errorf("detector: built without xclib support (use -dev or rebuild with -tags xclib)")
}
