package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/axonmotion/axflash/pkg/hwver"
)

func fastRediscovery(t *testing.T) {
	t.Helper()
	old := rediscoverInterval
	rediscoverInterval = time.Millisecond
	t.Cleanup(func() { rediscoverInterval = old })
}

type fakeAppDevice struct {
	serial string
	closed bool
}

func (f *fakeAppDevice) SerialNumber() string                   { return f.serial }
func (f *fakeAppDevice) HardwareVersion() (hwver.Version, bool) { return hwver.Version{}, false }
func (f *fakeAppDevice) FirmwareVersion() (uint8, uint8, uint8, bool) {
	return 0, 0, 0, false
}
func (f *fakeAppDevice) BootloaderVersion() (uint32, bool) { return 0, false }
func (f *fakeAppDevice) EnterDFUMode() error               { return ErrObjectLost }
func (f *fakeAppDevice) Close() error                      { f.closed = true; return nil }

// blockingAppFinder waits for ctx like a real application channel.
type blockingAppFinder struct{}

func (blockingAppFinder) Find(ctx context.Context, serial string) (AppDevice, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// delayedAppFinder returns its device after a short delay regardless
// of cancellation, modeling a lookup that completes while losing the
// race.
type delayedAppFinder struct {
	dev *fakeAppDevice
}

func (f *delayedAppFinder) Find(ctx context.Context, serial string) (AppDevice, error) {
	time.Sleep(5 * time.Millisecond)
	return f.dev, nil
}

func testDiscovery(openAll func() ([]*BootloaderDevice, error)) *Discovery {
	return &Discovery{desc: Bootloader, openAll: openAll}
}

func TestOpenBootloaderSerialFilter(t *testing.T) {
	disc := testDiscovery(func() ([]*BootloaderDevice, error) {
		return []*BootloaderDevice{{serial: "AAAA1111"}, {serial: "BBBB2222"}}, nil
	})

	dev, err := disc.OpenBootloader("BBBB2222")
	if err != nil {
		t.Fatalf("OpenBootloader: %v", err)
	}
	if dev == nil || dev.SerialNumber() != "BBBB2222" {
		t.Errorf("got %v, wanted serial BBBB2222", dev)
	}

	dev, err = disc.OpenBootloader("")
	if err != nil {
		t.Fatalf("OpenBootloader: %v", err)
	}
	if dev == nil || dev.SerialNumber() != "AAAA1111" {
		t.Errorf("got %v, wanted first device", dev)
	}

	dev, err = disc.OpenBootloader("CCCC3333")
	if err != nil {
		t.Fatalf("OpenBootloader: %v", err)
	}
	if dev != nil {
		t.Errorf("got %v, wanted no match", dev)
	}
}

func TestWaitBootloaderPolls(t *testing.T) {
	fastRediscovery(t)

	calls := 0
	disc := testDiscovery(func() ([]*BootloaderDevice, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return []*BootloaderDevice{{serial: "AAAA1111"}}, nil
	})

	dev, err := disc.WaitBootloader(context.Background(), "")
	if err != nil {
		t.Fatalf("WaitBootloader: %v", err)
	}
	if dev.SerialNumber() != "AAAA1111" {
		t.Errorf("serial %q", dev.SerialNumber())
	}
	if calls != 3 {
		t.Errorf("device found after %d polls, wanted 3", calls)
	}
}

func TestWaitBootloaderCancelled(t *testing.T) {
	fastRediscovery(t)

	disc := testDiscovery(func() ([]*BootloaderDevice, error) { return nil, nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := disc.WaitBootloader(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, wanted deadline exceeded", err)
	}
}

func TestRaceBootloaderWins(t *testing.T) {
	fastRediscovery(t)

	disc := testDiscovery(func() ([]*BootloaderDevice, error) {
		return []*BootloaderDevice{{serial: "AAAA1111"}}, nil
	})

	target, err := disc.Race(context.Background(), "", blockingAppFinder{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if target.Boot == nil || target.App != nil {
		t.Fatalf("wanted bootloader target, got %+v", target)
	}
	if target.BootSerial != "AAAA1111" {
		t.Errorf("serial %q", target.BootSerial)
	}
}

func TestRaceAppWins(t *testing.T) {
	fastRediscovery(t)

	disc := testDiscovery(func() ([]*BootloaderDevice, error) { return nil, nil })
	app := &fakeAppDevice{serial: "AAAA1111"}

	target, err := disc.Race(context.Background(), "AAAA1111", &delayedAppFinder{dev: app})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if target.App == nil || target.Boot != nil {
		t.Fatalf("wanted application target, got %+v", target)
	}
}

func TestRaceLoserHandleClosed(t *testing.T) {
	fastRediscovery(t)

	// The bootloader population wins immediately; the application
	// lookup still completes and its handle must be released.
	disc := testDiscovery(func() ([]*BootloaderDevice, error) {
		return []*BootloaderDevice{{serial: "AAAA1111"}}, nil
	})
	app := &fakeAppDevice{serial: "AAAA1111"}

	target, err := disc.Race(context.Background(), "", &delayedAppFinder{dev: app})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if target.Boot == nil {
		t.Fatal("wanted bootloader target")
	}
	if !app.closed {
		t.Error("losing application handle was not closed")
	}
}
