package hls

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/cockroachdb/errors"
)

// Level represents one variant stream of a master playlist.
type Level struct {
	Bitrate   int     // Advertised BANDWIDTH in bits per second
	Width     int     // Frame width (0 when RESOLUTION is absent)
	Height    int     // Frame height (0 when RESOLUTION is absent)
	FrameRate float64 // Advertised FRAME-RATE (0 when absent)
	Codecs    string
	URI       string // Absolute media playlist URL
}

// levelsFromMaster converts the non I-frame variants of a master playlist.
func levelsFromMaster(master *m3u8.MasterPlaylist, base *url.URL) ([]Level, error) {
	levels := make([]Level, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		uri, err := resolve(base, v.URI)
		if err != nil {
			return nil, err
		}
		width, height := parseResolution(v.Resolution)
		levels = append(levels, Level{
			Bitrate:   int(v.Bandwidth),
			Width:     width,
			Height:    height,
			FrameRate: v.FrameRate,
			Codecs:    v.Codecs,
			URI:       uri,
		})
	}
	if len(levels) == 0 {
		return nil, errors.New("master playlist has no playable variants")
	}
	return levels, nil
}

// parseResolution parses a RESOLUTION attribute such as "1280x720".
func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return 0, 0
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0
	}
	return width, height
}

// resolve resolves a playlist reference against the URL it was loaded from.
func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", errors.Wrapf(err, "invalid playlist reference %q", ref)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}

// chooseLevel returns the highest level whose bitrate fits the usable
// bandwidth. Levels are assumed to be listed in manifest order, which need not
// be sorted, so every level is considered.
func chooseLevel(levels []Level, bandwidth, safetyFactor float64) int {
	if len(levels) == 0 {
		return -1
	}
	usable := bandwidth * safetyFactor
	best := -1
	lowest := 0
	for i, l := range levels {
		if l.Bitrate < levels[lowest].Bitrate {
			lowest = i
		}
		if float64(l.Bitrate) <= usable && (best < 0 || l.Bitrate > levels[best].Bitrate) {
			best = i
		}
	}
	if best < 0 {
		return lowest
	}
	return best
}
