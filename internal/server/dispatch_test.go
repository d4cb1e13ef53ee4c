package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piascik/liric/internal/astrotime"
	"github.com/piascik/liric/internal/buffer"
	"github.com/piascik/liric/internal/config"
	"github.com/piascik/liric/internal/detector"
	"github.com/piascik/liric/internal/filename"
	"github.com/piascik/liric/internal/filterwheel"
	"github.com/piascik/liric/internal/fitshdr"
	"github.com/piascik/liric/internal/metrics"
	"github.com/piascik/liric/internal/multrun"
	"github.com/piascik/liric/internal/nudgematic"
	"github.com/piascik/liric/internal/sched"
	"github.com/piascik/liric/internal/status"
	"github.com/piascik/liric/internal/timeutil"
)

// instantWheel reaches any commanded position on the first round trip.
type instantWheel struct {
	mu       sync.Mutex
	position byte
}

func (w *instantWheel) Transact(request [2]byte) ([2]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if request[0] != 0 {
		w.position = request[0]
	}
	return [2]byte{w.position, 0}, nil
}

func (w *instantWheel) Close() error { return nil }

// instantNudge settles immediately; onMove runs after each commanded move.
type instantNudge struct {
	mu     sync.Mutex
	moves  int
	onMove func(move int)
}

func (n *instantNudge) SetOutputs(pattern byte) error {
	n.mu.Lock()
	n.moves++
	count := n.moves
	hook := n.onMove
	n.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	return nil
}

func (n *instantNudge) ReadInputs() (byte, error) { return 0x01, nil }

func (n *instantNudge) Close() error { return nil }

type testInstrument struct {
	dir      string
	handler  *Handler
	nudge    *instantNudge
	wheel    *instantWheel
	channel  *detector.MockChannel
	grab     *detector.SimGrabber
	shutdown chan struct{}
}

func newTestInstrument(t *testing.T) *testInstrument {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DetectorEnable:     true,
		DetectorFormatDir:  "/icc/config",
		CoaddLengthShortMs: 100,
		CoaddLengthLongMs:  100,
		CoaddLengthBiasMs:  100,
		FilterWheelEnable:  true,
		NudgematicEnable:   true,
		InstrumentCode:     "j",
		DataDir:            dir,
		Filters: [config.FilterCount]config.Filter{
			{Name: "FELH1500", ID: "FELH1500-01"},
			{Name: "Mirror", ID: "Mirror-01"},
			{Name: "H", ID: "H-01"},
			{Name: "J", ID: "J-01"},
			{Name: "Dark", ID: "Dark-01"},
		},
	}
	st := status.NewStore()
	seq, err := filename.New("j", dir)
	require.NoError(t, err)
	headers := fitshdr.NewStore()
	met := metrics.New()

	grab := detector.NewSimGrabber().SetSize(4, 2)
	setup := detector.NewSetup(grab, cfg.DetectorFormatDir)
	require.NoError(t, setup.Startup(cfg.CoaddLengthLongMs))
	buf, err := buffer.New(setup.SizeX(), setup.SizeY())
	require.NoError(t, err)
	engine := detector.NewEngine(grab, buf, headers, st, met, timeutil.RealClock{})
	require.NoError(t, engine.SetCoaddFrameLength(cfg.CoaddLengthLongMs))

	channel := detector.NewMockChannel()
	channel.SensorADC = 10500 // 20 C
	channel.PCBADC = 400     // 25 C
	cal, err := detector.NewCalibration(9000, 12000, 1500, 2200)
	require.NoError(t, err)
	temp := detector.NewTemperature(channel, cal)

	wheelTransport := &instantWheel{position: 4}
	wheel := filterwheel.New(wheelTransport, filterwheel.NewConfig(cfg.Filters), 0, timeutil.RealClock{})

	nudgeTransport := &instantNudge{}
	nudge := nudgematic.New(nudgeTransport, 0, timeutil.RealClock{})

	observer := multrun.New(multrun.Deps{
		Config:  cfg,
		Status:  st,
		Seq:     seq,
		Headers: headers,
		Engine:  engine,
		Setup:   setup,
		Temp:    temp,
		Wheel:   wheel,
		Nudge:   nudge,
		Metrics: met,
	})

	shutdown := make(chan struct{})
	var once sync.Once
	handler := &Handler{
		Status:     st,
		Headers:    headers,
		Seq:        seq,
		Engine:     engine,
		Temp:       temp,
		Wheel:      wheel,
		Nudge:      nudge,
		Observer:   observer,
		Metrics:    met,
		Priorities: sched.Priorities{},
		Shutdown:   func() { once.Do(func() { close(shutdown) }) },
	}
	return &testInstrument{
		dir:      dir,
		handler:  handler,
		nudge:    nudgeTransport,
		wheel:    wheelTransport,
		channel:  channel,
		grab:     grab,
		shutdown: shutdown,
	}
}

func TestUnknownCommand(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "1 failed message unknown", ti.handler.HandleCommand("frobnicate"))
}

func TestHelp(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("help")
	assert.True(t, strings.HasPrefix(reply, "0 help:"))
	assert.Contains(t, reply, "multrun <length> <count> <standard>")
}

func TestAbortReply(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "0 Multrun/Bias/Dark aborted.", ti.handler.HandleCommand("abort"))
	assert.True(t, ti.handler.Status.AbortRequested())
}

func TestConfigFilter(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("config filter Mirror")
	assert.Equal(t, "0 Filter wheel moved to position:Mirror", reply)
	assert.Equal(t, byte(2), ti.wheel.position)

	reply = ti.handler.HandleCommand("config filter K")
	assert.Equal(t, "1 Failed to convert filter name:K", reply)

	reply = ti.handler.HandleCommand("config")
	assert.Equal(t, "1 Failed to parse config command.", reply)

	reply = ti.handler.HandleCommand("config frobnicate x")
	assert.Equal(t, "1 Unknown config sub-command:frobnicate", reply)
}

func TestConfigCoaddExpLen(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("config coadd_exp_len short")
	assert.Equal(t, "0 Coadd exposure length set to:short", reply)
	assert.Equal(t, "/icc/config/rap_100ms.fmt", ti.grab.FormatFile())

	reply = ti.handler.HandleCommand("config coadd_exp_len medium")
	assert.True(t, strings.HasPrefix(reply, "1 "), reply)

	// refused while an observation is in progress
	require.True(t, ti.handler.Status.Begin(status.Multrun))
	defer ti.handler.Status.End()
	reply = ti.handler.HandleCommand("config coadd_exp_len long")
	assert.Contains(t, reply, "in progress")
}

func TestConfigNudgematic(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("config nudgematic large")
	assert.Equal(t, "0 Config nudgematic completed.", reply)
	assert.Equal(t, nudgematic.OffsetLarge, ti.handler.Nudge.OffsetSize())

	reply = ti.handler.HandleCommand("config nudgematic huge")
	assert.True(t, strings.HasPrefix(reply, "1 "), reply)
}

func TestFan(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("fan on")
	assert.Equal(t, "0 Fan state set.", reply)
	assert.NotZero(t, ti.channel.Ctrl&detector.FPGACtrlFanEnabled)

	reply = ti.handler.HandleCommand("fan off")
	assert.Equal(t, "0 Fan state set.", reply)
	assert.Zero(t, ti.channel.Ctrl&detector.FPGACtrlFanEnabled)

	reply = ti.handler.HandleCommand("fan sideways")
	assert.Equal(t, "1 Failed to parse fan command: Unknown fan state.", reply)
}

func TestFitsHeaderCommands(t *testing.T) {
	ti := newTestInstrument(t)
	h := ti.handler

	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add OBSNOTE string hello world"))
	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add SEEING float 1.5"))
	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add TELFOCUS integer 1200"))
	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add MOONUP boolean false"))
	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add SEEING units arcsec"))
	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader add SEEING comment predicted seeing"))

	cards := h.Headers.Cards()
	require.Len(t, cards, 4)
	assert.Equal(t, "hello world", cards[0].Value)
	assert.Equal(t, "[arcsec] predicted seeing", cards[1].Comment)

	assert.Equal(t, "0 FITS Header command succeeded.",
		h.HandleCommand("fitsheader delete MOONUP"))
	assert.Equal(t, "1 Failed to delete fits header.",
		h.HandleCommand("fitsheader delete MOONUP"))

	assert.Equal(t, "0 FITS Header command succeeded.", h.HandleCommand("fitsheader clear"))
	assert.Equal(t, 0, h.Headers.Len())

	assert.Equal(t, "1 Failed to parse fitsheader add boolean command value.",
		h.HandleCommand("fitsheader add MOONUP boolean maybe"))
	assert.Equal(t, "1 Failed to parse fitsheader add float command value.",
		h.HandleCommand("fitsheader add SEEING float fuzzy"))
	assert.Equal(t, "1 Failed to parse fitsheader add command type.",
		h.HandleCommand("fitsheader add SEEING blob x"))
	assert.Equal(t, "1 Failed to parse fitsheader command: Unknown operation.",
		h.HandleCommand("fitsheader munge SEEING"))
}

func TestMultBiasEndToEnd(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("multbias 3")
	date := astrotime.DateNumber(time.Now())
	want := fmt.Sprintf("0 3 1 %s", filepath.Join(ti.dir, fmt.Sprintf("j_b_%d_1_3_0_0.fits", date)))
	assert.Equal(t, want, reply)

	entries, err := os.ReadDir(ti.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestMultrunHeaderFromFitsHeaderCommand(t *testing.T) {
	ti := newTestInstrument(t)
	require.Equal(t, "0 FITS Header command succeeded.",
		ti.handler.HandleCommand("fitsheader add OBSNOTE string hello"))
	reply := ti.handler.HandleCommand("multrun 1000 1 false")
	require.True(t, strings.HasPrefix(reply, "0 1 1 "), reply)

	path := strings.Fields(reply)[3]
	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()
	f, err := fitsio.Open(r)
	require.NoError(t, err)
	defer f.Close()
	card := f.HDU(0).Header().Get("OBSNOTE")
	require.NotNil(t, card)
	assert.Equal(t, "hello", card.Value)
}

func TestMultrunArgumentError(t *testing.T) {
	ti := newTestInstrument(t)
	// 50 ms is shorter than the 100 ms coadd frame
	reply := ti.handler.HandleCommand("multrun 50 1 false")
	assert.True(t, strings.HasPrefix(reply, "1 Multrun failed:"), reply)

	assert.Equal(t, "1 Failed to parse multrun command.", ti.handler.HandleCommand("multrun 1000"))
	assert.Equal(t, "1 Multrun failed:Illegal standard value.",
		ti.handler.HandleCommand("multrun 1000 1 maybe"))
	assert.Equal(t, "1 Failed to parse multdark command.", ti.handler.HandleCommand("multdark"))
	assert.Equal(t, "1 Failed to parse multbias command.", ti.handler.HandleCommand("multbias"))
}

func TestAbortDuringMultrun(t *testing.T) {
	ti := newTestInstrument(t)
	// a second "connection" aborts once the third nudge move is commanded
	ti.nudge.onMove = func(move int) {
		if move == 3 {
			assert.Equal(t, "0 Multrun/Bias/Dark aborted.", ti.handler.HandleCommand("abort"))
		}
	}
	reply := ti.handler.HandleCommand("multrun 100 10 false")
	require.True(t, strings.HasPrefix(reply, "1 "), reply)
	assert.Contains(t, reply, "Aborted")

	// exactly the completed exposures remain, no locks
	entries, err := os.ReadDir(ti.dir)
	require.NoError(t, err)
	var fitsCount int
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".lock"))
		if strings.HasSuffix(e.Name(), ".fits") {
			fitsCount++
		}
	}
	assert.Equal(t, 2, fitsCount)
	assert.Equal(t, status.Idle, ti.handler.Status.InProgress())
}

func TestStatusExposure(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "0 false", ti.handler.HandleCommand("status exposure status"))
	assert.Equal(t, "0 0", ti.handler.HandleCommand("status exposure count"))
	assert.Equal(t, "0 0", ti.handler.HandleCommand("status exposure multrun"))
	assert.Equal(t, "0 100", ti.handler.HandleCommand("status exposure coadd-length"))

	reply := ti.handler.HandleCommand("multrun 100 2 false")
	require.True(t, strings.HasPrefix(reply, "0 "), reply)
	assert.Equal(t, "0 1", ti.handler.HandleCommand("status exposure multrun"))
	assert.Equal(t, "0 2", ti.handler.HandleCommand("status exposure run"))
	assert.Equal(t, "0 100", ti.handler.HandleCommand("status exposure length"))
	assert.Equal(t, "0 1", ti.handler.HandleCommand("status exposure coadd-count"))

	assert.Equal(t, "1 Failed to parse exposure status command.",
		ti.handler.HandleCommand("status exposure wibble"))
}

func TestStatusFilterWheel(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "0 J", ti.handler.HandleCommand("status filterwheel filter"))
	assert.Equal(t, "0 4", ti.handler.HandleCommand("status filterwheel position"))
	assert.Equal(t, "0 in_position", ti.handler.HandleCommand("status filterwheel status"))

	// position zero reads as moving
	ti.wheel.position = 0
	assert.Equal(t, "0 moving", ti.handler.HandleCommand("status filterwheel filter"))
	assert.Equal(t, "0 moving", ti.handler.HandleCommand("status filterwheel status"))
}

func TestStatusFilterWheelDisabled(t *testing.T) {
	ti := newTestInstrument(t)
	ti.handler.Wheel = nil
	assert.Equal(t, "0 moving", ti.handler.HandleCommand("status filterwheel filter"))
	assert.Equal(t, "0 0", ti.handler.HandleCommand("status filterwheel position"))
}

func TestStatusNudgematic(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "0 -1", ti.handler.HandleCommand("status nudgematic position"))
	assert.Equal(t, "0 moving", ti.handler.HandleCommand("status nudgematic status"))
	assert.Equal(t, "0 none", ti.handler.HandleCommand("status nudgematic offsetsize"))

	require.NoError(t, ti.handler.Nudge.SetOffsetSize(nudgematic.OffsetSmall))
	require.NoError(t, ti.handler.Nudge.SetPosition(3))
	assert.Equal(t, "0 3", ti.handler.HandleCommand("status nudgematic position"))
	assert.Equal(t, "0 stopped", ti.handler.HandleCommand("status nudgematic status"))
	assert.Equal(t, "0 small", ti.handler.HandleCommand("status nudgematic offsetsize"))
}

func TestStatusNudgematicDisabled(t *testing.T) {
	ti := newTestInstrument(t)
	ti.handler.Nudge = nil
	assert.Equal(t, "0 -1", ti.handler.HandleCommand("status nudgematic position"))
	assert.Equal(t, "0 stopped", ti.handler.HandleCommand("status nudgematic status"))
	assert.Equal(t, "0 UNKNOWN", ti.handler.HandleCommand("status nudgematic offsetsize"))
}

func TestStatusTemperature(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("status temperature get")
	require.True(t, strings.HasPrefix(reply, "0 "), reply)
	assert.True(t, strings.HasSuffix(reply, "20.00"), reply)

	reply = ti.handler.HandleCommand("status temperature pcb")
	assert.True(t, strings.HasSuffix(reply, "25.00"), reply)

	assert.Equal(t, "1 Failed to parse temperature status command.",
		ti.handler.HandleCommand("status temperature wobble"))
}

func TestStatusTemperatureCachedDuringObservation(t *testing.T) {
	ti := newTestInstrument(t)
	// populate the caches with the current readings
	require.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature get"), "20.00"))
	require.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature pcb"), "25.00"))

	// while an observation runs, the camera is not touched: a changed ADC
	// reading is not visible until the observation ends
	ti.channel.SensorADC = 12000 // 40 C
	ti.channel.PCBADC = 800      // 50 C
	require.True(t, ti.handler.Status.Begin(status.Multrun))
	assert.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature get"), "20.00"))
	assert.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature pcb"), "25.00"))
	ti.handler.Status.End()

	assert.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature get"), "40.00"))
	assert.True(t, strings.HasSuffix(ti.handler.HandleCommand("status temperature pcb"), "50.00"))
}

func TestTemperatureSetpoint(t *testing.T) {
	ti := newTestInstrument(t)
	reply := ti.handler.HandleCommand("temperature -20.0")
	assert.Equal(t, "0 Set point temperature set to:-20.0", reply)
	assert.Equal(t, 1150, ti.channel.TECDAC)

	assert.Equal(t, "1 Failed to parse temperature command.",
		ti.handler.HandleCommand("temperature chilly"))
}

func TestShutdownCommand(t *testing.T) {
	ti := newTestInstrument(t)
	assert.Equal(t, "0 shutting down.", ti.handler.HandleCommand("shutdown"))
	select {
	case <-ti.shutdown:
	default:
		t.Fatal("shutdown hook not invoked")
	}
}
