package acap

import (
	"os"
	"strings"
)

// ProbeDevice decides whether an ALSA capture device string is worth
// opening. It understands hw:0,0 / hw:tc358743,0 / plughw:UAC2Gadget,0
// style names: the card component is extracted and looked up under
// /proc/asound. Deliberately limited, which is enough for KVM hardware.
func ProbeDevice(name string) bool {
	if name == "" || strings.ContainsAny(name, "/.") {
		return false
	}

	colon := strings.IndexByte(name, ':')
	if colon < 0 || colon+1 >= len(name) {
		return false
	}
	rest := name[colon+1:]

	comma := strings.IndexByte(rest, ',')
	if comma < 1 {
		return false
	}
	card := rest[:comma]

	numeric := true
	for _, c := range card {
		if c < '0' || c > '9' {
			numeric = false
			break
		}
	}

	path := "/proc/asound/" + card
	if numeric {
		path = "/proc/asound/card" + card
	}

	st, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if numeric {
		return st.IsDir()
	}
	return st.Mode()&os.ModeSymlink != 0
}
