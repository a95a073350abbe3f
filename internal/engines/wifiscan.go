package engines

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fentz26/reconpi/internal/actions"
	"github.com/fentz26/reconpi/internal/models"
)

// WirelessPath is the kernel's wireless statistics table.
const WirelessPath = "/proc/net/wireless"

// Interface is one row of the wireless statistics table.
type Interface struct {
	Name    string  `json:"name"`
	Link    float64 `json:"link"`
	Level   float64 `json:"level"`
	Noise   float64 `json:"noise"`
	Missed  int     `json:"missed_beacons"`
	Invalid int     `json:"invalid"`
}

// ReadWireless parses a /proc/net/wireless style file. The first two lines
// are headers.
func ReadWireless(path string) ([]Interface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wireless table: %w", err)
	}
	defer f.Close()

	var out []Interface
	sc := bufio.NewScanner(f)
	for line := 0; sc.Scan(); line++ {
		if line < 2 {
			continue
		}
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 10 {
			continue
		}
		out = append(out, Interface{
			Name:    strings.TrimSpace(name),
			Link:    parseNum(fields[1]),
			Level:   parseNum(fields[2]),
			Noise:   parseNum(fields[3]),
			Invalid: int(parseNum(fields[4])),
			Missed:  int(parseNum(fields[9])),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read wireless table: %w", err)
	}
	return out, nil
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimRight(s, "."), 64)
	return v
}

// WifiScanBuiltin returns the builtin body for wifi.scan reading path.
func WifiScanBuiltin(path string) actions.Builtin {
	return func(ctx context.Context, payload map[string]interface{}) (models.ActionResult, error) {
		ifaces, err := ReadWireless(path)
		if err != nil {
			return models.ActionResult{}, err
		}
		names := make([]string, 0, len(ifaces))
		for _, i := range ifaces {
			names = append(names, i.Name)
		}
		return models.ActionResult{
			OK:      true,
			Summary: fmt.Sprintf("%d wireless interface(s)", len(ifaces)),
			Meta:    map[string]interface{}{"interfaces": names, "table": ifaces},
		}, nil
	}
}
