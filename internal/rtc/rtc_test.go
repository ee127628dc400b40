package rtc

import (
	"testing"

	"github.com/trust0-project/havy-os-go/internal/mmiobus"
)

func TestFromUnixEpoch(t *testing.T) {
	dt := FromUnix(0)
	want := DateTime{Year: 1970, Month: 1, Day: 1, Hour: 0, Minute: 0, Second: 0}
	if dt != want {
		t.Fatalf("FromUnix(0) = %+v, want %+v", dt, want)
	}
}

func TestFromUnixKnownTimestamp(t *testing.T) {
	// 2024-03-01T12:30:45Z
	dt := FromUnix(1709296245)
	want := DateTime{Year: 2024, Month: 3, Day: 1, Hour: 12, Minute: 30, Second: 45}
	if dt != want {
		t.Fatalf("FromUnix(1709296245) = %+v, want %+v", dt, want)
	}
}

func TestFromUnixLeapYearFeb29(t *testing.T) {
	// 2024-02-29T00:00:00Z
	dt := FromUnix(1709164800)
	if dt.Year != 2024 || dt.Month != 2 || dt.Day != 29 {
		t.Fatalf("FromUnix leap day = %+v, want 2024-02-29", dt)
	}
}

func TestNowReturnsFalseWhenRTCUnset(t *testing.T) {
	bus := mmiobus.New()
	if _, ok := Now(bus); ok {
		t.Fatal("Now() = ok=true with no RTC seconds set")
	}
}

func TestNowDecodesSetSeconds(t *testing.T) {
	bus := mmiobus.New()
	bus.SetHostRTCSeconds(1709296245)
	dt, ok := Now(bus)
	if !ok {
		t.Fatal("Now() = ok=false after SetHostRTCSeconds")
	}
	if dt.Year != 2024 || dt.Month != 3 || dt.Day != 1 {
		t.Fatalf("Now() = %+v, want 2024-03-01", dt)
	}
}
