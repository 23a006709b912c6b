package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"
)

func stderr() io.Writer { return os.Stderr }

func marshalBatch(b deliveryBatch) ([]byte, error) {
	return json.Marshal(b)
}

func randomHex(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand should basically never fail, but avoid returning
		// empty; the zero buffer still encodes to 2n characters.
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(buf)
}

// newEntryID combines creation time with a random suffix so ids sort
// roughly by time while staying unique under rapid-fire logging.
func newEntryID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + randomHex(6)
}

func captureDeviceInfo() DeviceInfo {
	host, _ := os.Hostname()
	zone, _ := time.Now().Zone()
	return DeviceInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Runtime:  runtime.Version(),
		Hostname: host,
		NumCPU:   runtime.NumCPU(),
		Locale:   os.Getenv("LANG"),
		Timezone: zone,
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeAnyMap(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// jsonSafe replaces values the encoder would reject with a placeholder
// string so a bad payload never breaks the calling code.
func jsonSafe(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[unserializable: " + fmt.Sprintf("%T", v) + "]"
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return "[unserializable: " + fmt.Sprintf("%T", v) + "]"
	}
	return out
}

func jsonSafeAnyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonSafe(v)
	}
	return out
}
