//go:build linux

package v4l

import (
	"time"

	"github.com/vladimirvivien/go4vl/v4l2"
)

// Camera class control IDs (V4L2_CID_CAMERA_CLASS_BASE + n).
const (
	ctrlExposureAuto        v4l2.CtrlID    = 10094849
	ctrlExposureAbsolute    v4l2.CtrlID    = 10094850
	ctrlISOSensitivity      v4l2.CtrlID    = 10094871
	ctrlISOSensitivityAuto  v4l2.CtrlID    = 10094872
	exposureManual          v4l2.CtrlValue = 1
	exposureAperturePrio    v4l2.CtrlValue = 3
	isoManual               v4l2.CtrlValue = 0
	isoAuto                 v4l2.CtrlValue = 1
	exposureAbsoluteUnit                   = 100 * time.Microsecond
	minExposureAbsoluteUnit v4l2.CtrlValue = 1
)

type control struct {
	id    v4l2.CtrlID
	value v4l2.CtrlValue
}

// exposureUnits converts d to exposure_time_absolute units, never below one.
func exposureUnits(d time.Duration) v4l2.CtrlValue {
	units := v4l2.CtrlValue((d + exposureAbsoluteUnit/2) / exposureAbsoluteUnit)
	if units < minExposureAbsoluteUnit {
		return minExposureAbsoluteUnit
	}

	return units
}
