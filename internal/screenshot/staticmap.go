// Package screenshot implements the composite-screenshot collaborator: it
// renders the current placement by fetching a static map image and blending
// the plan drawing over it at the requested opacity. The result is what the
// refinement model compares against the source document.
package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/disintegration/imaging"
)

// MapType selects the base imagery for a capture.
type MapType string

const (
	MapTypeSatellite MapType = "satellite"
	MapTypeTerrain   MapType = "terrain"
)

// Capturer produces a composite screenshot of the plan overlaid on base
// imagery framed around the given bounds.
type Capturer interface {
	CaptureComposite(
		ctx context.Context,
		bounds models.Bounds,
		overlay []byte,
		opacity float64,
		mapType MapType,
	) ([]byte, error)
}

// HTTPClient defines the interface for making HTTP requests.
// This allows for easy mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StaticMapCapturer fetches base imagery from the Google Static Maps API.
type StaticMapCapturer struct {
	client  HTTPClient
	baseURL string
	apiKey  string
	size    int // square output edge in pixels
	log     *slog.Logger
}

const defaultImageSize = 640

// NewStaticMapCapturer creates a capturer against the public Static Maps
// endpoint.
func NewStaticMapCapturer(apiKey string, log *slog.Logger) *StaticMapCapturer {
	const timeout = 15
	return NewStaticMapCapturerWithClient(
		&http.Client{Timeout: timeout * time.Second}, apiKey, log,
	)
}

// NewStaticMapCapturerWithClient allows injecting a custom HTTP client,
// primarily for tests.
func NewStaticMapCapturerWithClient(client HTTPClient, apiKey string, log *slog.Logger) *StaticMapCapturer {
	return &StaticMapCapturer{
		client:  client,
		baseURL: "https://maps.googleapis.com/maps/api/staticmap",
		apiKey:  apiKey,
		size:    defaultImageSize,
		log:     log,
	}
}

// CaptureComposite fetches base imagery framed around bounds and blends the
// plan drawing over its geographic footprint at the given opacity.
func (sc *StaticMapCapturer) CaptureComposite(
	ctx context.Context,
	bounds models.Bounds,
	overlay []byte,
	opacity float64,
	mapType MapType,
) ([]byte, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	center := bounds.Center()
	zoom := zoomForBounds(bounds, sc.size)

	base, err := sc.fetchBaseMap(ctx, center, zoom, mapType)
	if err != nil {
		return nil, err
	}

	plan, _, err := image.Decode(bytes.NewReader(overlay))
	if err != nil {
		return nil, fmt.Errorf("failed to decode overlay image: %w", err)
	}

	// Project the bounds rectangle into pixel space relative to the image
	// center, resize the plan onto that footprint, and blend.
	cx, cy := mercatorPixels(center, zoom)
	nwX, nwY := mercatorPixels(models.GeoPoint{Lat: bounds.North, Lng: bounds.West}, zoom)
	seX, seY := mercatorPixels(models.GeoPoint{Lat: bounds.South, Lng: bounds.East}, zoom)

	x0 := sc.size/2 + int(math.Round(nwX-cx))
	y0 := sc.size/2 + int(math.Round(nwY-cy))
	width := max(int(math.Round(seX-nwX)), 1)
	height := max(int(math.Round(seY-nwY)), 1)

	fitted := imaging.Resize(plan, width, height, imaging.Lanczos)
	composite := imaging.Overlay(base, fitted, image.Pt(x0, y0), opacity)

	var buf bytes.Buffer
	if err = png.Encode(&buf, composite); err != nil {
		return nil, fmt.Errorf("failed to encode composite screenshot: %w", err)
	}

	sc.log.DebugContext(ctx, "Captured composite screenshot",
		"map_type", string(mapType), "zoom", zoom, "opacity", opacity)
	return buf.Bytes(), nil
}

func (sc *StaticMapCapturer) fetchBaseMap(
	ctx context.Context,
	center models.GeoPoint,
	zoom int,
	mapType MapType,
) (image.Image, error) {
	reqURL, err := url.Parse(sc.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	values := reqURL.Query()
	values.Set("center", fmt.Sprintf("%.6f,%.6f", center.Lat, center.Lng))
	values.Set("zoom", strconv.Itoa(zoom))
	values.Set("size", fmt.Sprintf("%dx%d", sc.size, sc.size))
	values.Set("maptype", string(mapType))
	values.Set("format", "png")
	values.Set("key", sc.apiKey)
	reqURL.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch base map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		sc.log.ErrorContext(ctx, "Static map API error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("static map API returned status %d", resp.StatusCode)
	}

	base, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base map image: %w", err)
	}
	return base, nil
}

// zoomForBounds picks the deepest Web Mercator zoom level at which the
// bounds still fit inside a square image of the given edge, leaving a
// margin of context around the site.
func zoomForBounds(bounds models.Bounds, sizePx int) int {
	const (
		tileSize = 256.0
		margin   = 0.8 // fraction of the image the bounds may occupy
		maxZoom  = 20
	)

	for zoom := maxZoom; zoom > 0; zoom-- {
		nwX, nwY := mercatorPixels(models.GeoPoint{Lat: bounds.North, Lng: bounds.West}, zoom)
		seX, seY := mercatorPixels(models.GeoPoint{Lat: bounds.South, Lng: bounds.East}, zoom)
		if seX-nwX <= float64(sizePx)*margin && seY-nwY <= float64(sizePx)*margin {
			return zoom
		}
	}
	return 1
}

// mercatorPixels projects a point to global Web Mercator pixel coordinates
// at the given zoom.
func mercatorPixels(p models.GeoPoint, zoom int) (x, y float64) {
	world := 256.0 * math.Exp2(float64(zoom))
	latRad := p.Lat * math.Pi / 180

	x = (p.Lng + 180) / 360 * world
	y = (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * world
	return x, y
}
