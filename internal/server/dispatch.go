package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/piascik/liric/internal/astrotime"
	"github.com/piascik/liric/internal/detector"
	"github.com/piascik/liric/internal/filename"
	"github.com/piascik/liric/internal/filterwheel"
	"github.com/piascik/liric/internal/fitshdr"
	"github.com/piascik/liric/internal/metrics"
	"github.com/piascik/liric/internal/monitoring"
	"github.com/piascik/liric/internal/multrun"
	"github.com/piascik/liric/internal/nudgematic"
	"github.com/piascik/liric/internal/sched"
	"github.com/piascik/liric/internal/status"
)

const helpText = `0 help:
	abort
	config filter <filter_name>
	config coadd_exp_len <short|long>
	config nudgematic <none|small|large>
	fan <on|off>
	fitsheader add <keyword> <boolean|float|integer|string|comment|units> <value>
	fitsheader delete <keyword>
	fitsheader clear
	help
	multbias <count>
	multdark <length> <count>
	multrun <length> <count> <standard>
	status temperature [get|pcb]
	status filterwheel [filter|position|status]
	status nudgematic [offsetsize|position|status]
	status exposure [status|count|length|coadd-count|coadd-length|start_time]
	status exposure [index|multrun|run]
	shutdown
	temperature <degrees centigrade>`

// Handler routes one command line to its implementation. Each handler
// returns a reply beginning "0 " on success or "1 " on failure; every reply
// is a single line except the help text.
type Handler struct {
	Status     *status.Store
	Headers    *fitshdr.Store
	Seq        *filename.Sequencer
	Engine     *detector.Engine
	Temp       *detector.Temperature
	Wheel      *filterwheel.Wheel
	Nudge      *nudgematic.Controller
	Observer   *multrun.Controller
	Metrics    *metrics.Metrics
	Priorities sched.Priorities
	Shutdown   func()
}

// exposureCommands run at the exposure thread priority; everything else runs
// at normal priority.
var exposureCommands = map[string]bool{
	"abort":    true,
	"multrun":  true,
	"multbias": true,
	"multdark": true,
}

// HandleCommand dispatches one trimmed command line and returns the reply.
func (h *Handler) HandleCommand(line string) string {
	line = strings.TrimRight(line, " \t\r\n")
	keyword := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		keyword = line[:i]
	}
	if exposureCommands[keyword] {
		if err := h.Priorities.SetExposure(); err != nil {
			monitoring.Logf("server: setting exposure priority: %v", err)
		}
	} else {
		if err := h.Priorities.SetNormal(); err != nil {
			monitoring.Logf("server: setting normal priority: %v", err)
		}
	}

	var reply string
	switch keyword {
	case "abort":
		reply = h.handleAbort()
	case "config":
		reply = h.handleConfig(line)
	case "fan":
		reply = h.handleFan(line)
	case "fitsheader":
		reply = h.handleFitsHeader(line)
	case "help":
		reply = helpText
	case "multbias":
		reply = h.handleMultBias(line)
	case "multdark":
		reply = h.handleMultDark(line)
	case "multrun":
		reply = h.handleMultrun(line)
	case "status":
		reply = h.handleStatus(line)
	case "shutdown":
		reply = "0 shutting down."
		if h.Shutdown != nil {
			h.Shutdown()
		}
	case "temperature":
		reply = h.handleTemperature(line)
	default:
		reply = "1 failed message unknown"
	}

	outcome := "error"
	if strings.HasPrefix(reply, "0 ") {
		outcome = "ok"
	}
	h.Metrics.Commands.WithLabelValues(keyword, outcome).Inc()
	return reply
}

func (h *Handler) handleAbort() string {
	h.Status.RequestAbort()
	h.Metrics.Aborts.Inc()
	return "0 Multrun/Bias/Dark aborted."
}

func (h *Handler) handleConfig(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "1 Failed to parse config command."
	}
	switch fields[1] {
	case "coadd_exp_len":
		if len(fields) != 3 {
			return "1 Failed to parse config coadd_exp_len command."
		}
		if h.Status.InProgress() != status.Idle {
			return "1 Cannot reconfigure the detector while an observation is in progress."
		}
		if err := h.Observer.Reconfigure(fields[2]); err != nil {
			monitoring.Logf("server: config coadd_exp_len: %v", err)
			return "1 Failed to initialise detector with coadd exposure length:" + fields[2]
		}
		return "0 Coadd exposure length set to:" + fields[2]
	case "filter":
		// filter names may contain spaces, take the rest of the line
		name := strings.TrimSpace(strings.TrimPrefix(line, "config filter"))
		if name == "" {
			return "1 Failed to parse config filter command."
		}
		if h.Wheel == nil {
			return "0 Filter Wheel not enabled."
		}
		position, err := h.Wheel.Config().NameToPosition(name)
		if err != nil {
			return "1 Failed to convert filter name:" + name
		}
		if err := h.Wheel.MoveTo(position); err != nil {
			monitoring.Logf("server: config filter: %v", err)
			return "1 Failed to move filter wheel to filter:" + name
		}
		return "0 Filter wheel moved to position:" + name
	case "nudgematic":
		if len(fields) != 3 {
			return "1 Failed to parse config nudgematic command."
		}
		size, err := nudgematic.ParseOffsetSize(fields[2])
		if err != nil {
			return "1 Failed to parse config nudgematic command:" + line
		}
		if h.Nudge != nil {
			if err := h.Nudge.SetOffsetSize(size); err != nil {
				return "1 Failed to configure nudgematic offset size:" + fields[2]
			}
		}
		return "0 Config nudgematic completed."
	default:
		return "1 Unknown config sub-command:" + fields[1]
	}
}

func (h *Handler) handleFan(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "1 Failed to parse fan command."
	}
	var on bool
	switch fields[1] {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return "1 Failed to parse fan command: Unknown fan state."
	}
	if h.Temp == nil {
		return "1 Detector not enabled."
	}
	if err := h.Temp.SetFan(on); err != nil {
		monitoring.Logf("server: fan: %v", err)
		return "1 Failed to set fan state."
	}
	return "0 Fan state set."
}

func (h *Handler) handleFitsHeader(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "1 Failed to parse fitsheader command."
	}
	switch fields[1] {
	case "add":
		// value strings may contain spaces, split off the first four words
		parts := strings.SplitN(line, " ", 5)
		if len(parts) != 5 {
			return "1 Failed to parse fitsheader add command."
		}
		keyword, typ, value := parts[2], parts[3], parts[4]
		var err error
		switch typ {
		case "boolean":
			switch value {
			case "true":
				err = h.Headers.AddBool(keyword, true, "")
			case "false":
				err = h.Headers.AddBool(keyword, false, "")
			default:
				return "1 Failed to parse fitsheader add boolean command value."
			}
			if err != nil {
				return "1 Failed to add boolean fits header."
			}
		case "float":
			f, perr := strconv.ParseFloat(value, 64)
			if perr != nil {
				return "1 Failed to parse fitsheader add float command value."
			}
			if err = h.Headers.AddFloat(keyword, f, ""); err != nil {
				return "1 Failed to add float fits header."
			}
		case "integer":
			n, perr := strconv.Atoi(value)
			if perr != nil {
				return "1 Failed to parse fitsheader add integer command value."
			}
			if err = h.Headers.AddInt(keyword, n, ""); err != nil {
				return "1 Failed to add integer fits header."
			}
		case "string":
			if err = h.Headers.AddString(keyword, value, ""); err != nil {
				return "1 Failed to add string fits header."
			}
		case "comment":
			if err = h.Headers.AddComment(keyword, value); err != nil {
				return "1 Failed to add comment to fits header."
			}
		case "units":
			if err = h.Headers.AddUnits(keyword, value); err != nil {
				return "1 Failed to add units to fits header."
			}
		default:
			return "1 Failed to parse fitsheader add command type."
		}
		return "0 FITS Header command succeeded."
	case "delete":
		if len(fields) != 3 {
			return "1 Failed to parse fitsheader delete command."
		}
		if err := h.Headers.Delete(fields[2]); err != nil {
			return "1 Failed to delete fits header."
		}
		return "0 FITS Header command succeeded."
	case "clear":
		h.Headers.Clear()
		return "0 FITS Header command succeeded."
	default:
		return "1 Failed to parse fitsheader command: Unknown operation."
	}
}

// observationReply is the shared "0 <count> <multrun> <last|none>" form.
func (h *Handler) observationReply(filenames []string) string {
	last := "none"
	if len(filenames) > 0 {
		last = filenames[len(filenames)-1]
	}
	return fmt.Sprintf("0 %d %d %s", len(filenames), h.Seq.Multrun(), last)
}

func (h *Handler) handleMultrun(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return "1 Failed to parse multrun command."
	}
	lengthMs, err1 := strconv.Atoi(fields[1])
	count, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil {
		return "1 Failed to parse multrun command."
	}
	var standard bool
	switch fields[3] {
	case "true":
		standard = true
	case "false":
		standard = false
	default:
		return "1 Multrun failed:Illegal standard value."
	}
	filenames, err := h.Observer.Multrun(lengthMs, count, standard)
	if err != nil {
		monitoring.Logf("server: multrun: %v", err)
		return "1 Multrun failed:" + err.Error()
	}
	return h.observationReply(filenames)
}

func (h *Handler) handleMultBias(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "1 Failed to parse multbias command."
	}
	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return "1 Failed to parse multbias command."
	}
	filenames, err := h.Observer.MultBias(count)
	if err != nil {
		monitoring.Logf("server: multbias: %v", err)
		return "1 MultBias failed:" + err.Error()
	}
	return h.observationReply(filenames)
}

func (h *Handler) handleMultDark(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "1 Failed to parse multdark command."
	}
	lengthMs, err1 := strconv.Atoi(fields[1])
	count, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil {
		return "1 Failed to parse multdark command."
	}
	filenames, err := h.Observer.MultDark(lengthMs, count)
	if err != nil {
		monitoring.Logf("server: multdark: %v", err)
		return "1 MultDark failed:" + err.Error()
	}
	return h.observationReply(filenames)
}

func (h *Handler) handleStatus(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "1 Failed to parse status command."
	}
	subsystem, field := fields[1], fields[2]
	switch subsystem {
	case "exposure":
		return h.statusExposure(field)
	case "filterwheel":
		return h.statusFilterWheel(field)
	case "nudgematic":
		return h.statusNudgematic(field)
	case "temperature":
		return h.statusTemperature(field)
	default:
		return "1 Failed to parse status command."
	}
}

// statusExposure serves cached values only: it must never touch the frame
// grabber while an exposure is running.
func (h *Handler) statusExposure(field string) string {
	count, index, start := h.Status.Observation()
	if h.Status.InProgress() == status.Idle {
		count, index = 0, 0
	}
	switch field {
	case "status":
		if h.Status.InProgress() != status.Idle {
			return "0 true"
		}
		return "0 false"
	case "count":
		return "0 " + strconv.Itoa(count)
	case "index":
		return "0 " + strconv.Itoa(index)
	case "length":
		if h.Engine == nil {
			return "0 0"
		}
		return "0 " + strconv.Itoa(h.Engine.ExposureLength())
	case "coadd-count":
		if h.Engine == nil {
			return "0 0"
		}
		return "0 " + strconv.Itoa(h.Engine.CoaddCount())
	case "coadd-length":
		if h.Engine == nil {
			return "0 0"
		}
		return "0 " + strconv.Itoa(h.Engine.CoaddFrameLength())
	case "start_time":
		return "0 " + astrotime.DateObsString(start)
	case "multrun":
		return "0 " + strconv.Itoa(h.Seq.Multrun())
	case "run":
		return "0 " + strconv.Itoa(h.Seq.Run())
	default:
		return "1 Failed to parse exposure status command."
	}
}

func (h *Handler) statusFilterWheel(field string) string {
	// a disabled wheel reports position 0, i.e. moving
	position := 0
	if h.Wheel != nil {
		var err error
		position, err = h.Wheel.Position()
		if err != nil {
			monitoring.Logf("server: status filterwheel: %v", err)
			return "1 Failed to get filter wheel position."
		}
	}
	switch field {
	case "filter":
		if position == 0 {
			return "0 moving"
		}
		name, err := h.Wheel.Config().PositionToName(position)
		if err != nil {
			return "1 Failed to get filter wheel filter name from position:" + strconv.Itoa(position)
		}
		return "0 " + name
	case "position":
		return "0 " + strconv.Itoa(position)
	case "status":
		if position == 0 {
			return "0 moving"
		}
		return "0 in_position"
	default:
		return "1 Failed to parse filterwheel status command."
	}
}

func (h *Handler) statusNudgematic(field string) string {
	if h.Nudge == nil {
		switch field {
		case "position":
			return "0 -1"
		case "status":
			return "0 stopped"
		case "offsetsize":
			return "0 UNKNOWN"
		default:
			return "1 Failed to parse status nudgematic command."
		}
	}
	switch field {
	case "position":
		return "0 " + strconv.Itoa(h.Nudge.Position())
	case "status":
		if h.Nudge.Position() == -1 {
			return "0 moving"
		}
		return "0 stopped"
	case "offsetsize":
		return "0 " + h.Nudge.OffsetSize().String()
	default:
		return "1 Failed to parse status nudgematic command."
	}
}

func (h *Handler) statusTemperature(field string) string {
	if h.Temp == nil {
		return "1 Detector not enabled."
	}
	// while an observation is running the camera serial channel is left to
	// the exposure thread; status is served from the readings cached at
	// observation start
	busy := h.Status.InProgress() != status.Idle
	var (
		temperature float64
		err         error
	)
	switch field {
	case "get":
		if busy {
			temperature, err = h.Temp.Cached()
		} else {
			temperature, err = h.Temp.Get()
		}
		if err != nil {
			monitoring.Logf("server: status temperature get: %v", err)
			return "1 Failed to get temperature."
		}
	case "pcb":
		if busy {
			temperature, err = h.Temp.CachedPCB()
		} else {
			temperature, err = h.Temp.GetPCB()
		}
		if err != nil {
			monitoring.Logf("server: status temperature pcb: %v", err)
			return "1 Failed to get PCB temperature."
		}
	default:
		return "1 Failed to parse temperature status command."
	}
	return fmt.Sprintf("0 %s %.2f", astrotime.DateObsString(time.Now()), temperature)
}

func (h *Handler) handleTemperature(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "1 Failed to parse temperature command."
	}
	target, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "1 Failed to parse temperature command."
	}
	if h.Temp == nil {
		return "1 Detector not enabled."
	}
	if err := h.Temp.SetSetpoint(target); err != nil {
		monitoring.Logf("server: temperature: %v", err)
		return "1 Failed to set temperature set-point."
	}
	return "0 Set point temperature set to:" + fields[1]
}
