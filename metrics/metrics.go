/*Package metrics exposes the field and guide loops to prometheus.

Metrics satisfies both field.Observer and guide.Observer, so one value is
set as the Observer of each engine.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/field"
	"github.jpl.nasa.gov/bdube/autoguider/guide"
)

const namespace = "autoguider"

// Metrics holds the collectors
type Metrics struct {
	fieldFrames   prometheus.Counter
	fieldExposure prometheus.Gauge
	fieldObjects  prometheus.Gauge

	guideFrames     prometheus.Counter
	guideExposure   prometheus.Gauge
	guideObjects    prometheus.Gauge
	guideCadence    prometheus.Histogram
	guidePackets    *prometheus.CounterVec
	guideX, guideY  prometheus.Gauge
	guideFWHM       prometheus.Gauge
	guidePeak       prometheus.Gauge
	guideTotal      prometheus.Gauge
	guideLostFrames prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fieldFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "field",
			Name: "frames_total",
			Help: "Field frames exposed and reduced.",
		}),
		fieldExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "field",
			Name: "exposure_length_seconds",
			Help: "Exposure length of the last field frame.",
		}),
		fieldObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "field",
			Name: "objects",
			Help: "Objects detected in the last field frame.",
		}),
		guideFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "frames_total",
			Help: "Guide frames exposed and reduced.",
		}),
		guideExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "exposure_length_seconds",
			Help: "Exposure length of the last guide frame.",
		}),
		guideObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "objects",
			Help: "Objects detected in the last guide frame.",
		}),
		guideCadence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "guide",
			Name:    "cadence_seconds",
			Help:    "Time between the starts of consecutive guide exposures.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		guidePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "packets_total",
			Help: "Guide packets sent to the TCS by reliability status.",
		}, []string{"status"}),
		guideX: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "centroid_x_pixels",
			Help: "CCD X of the guide star in the last frame.",
		}),
		guideY: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "centroid_y_pixels",
			Help: "CCD Y of the guide star in the last frame.",
		}),
		guideFWHM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "fwhm_pixels",
			Help: "FWHM of the guide star in the last frame.",
		}),
		guidePeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "peak_counts",
			Help: "Background subtracted peak of the guide star in the last frame.",
		}),
		guideTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "total_counts",
			Help: "Background subtracted integrated counts of the guide star in the last frame.",
		}),
		guideLostFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guide",
			Name: "frames_without_objects_total",
			Help: "Guide frames in which no object was detected.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.fieldFrames, m.fieldExposure, m.fieldObjects,
		m.guideFrames, m.guideExposure, m.guideObjects, m.guideCadence, m.guidePackets,
		m.guideX, m.guideY, m.guideFWHM, m.guidePeak, m.guideTotal, m.guideLostFrames,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveField implements field.Observer
func (m *Metrics) ObserveField(f field.Frame) {
	m.fieldFrames.Inc()
	m.fieldExposure.Set(float64(f.ExposureMs) / 1e3)
	m.fieldObjects.Set(float64(f.Objects))
}

// ObserveGuide implements guide.Observer
func (m *Metrics) ObserveGuide(f guide.Frame) {
	m.guideFrames.Inc()
	m.guideExposure.Set(float64(f.ExposureMs) / 1e3)
	m.guideObjects.Set(float64(f.Objects))
	if f.Cadence > 0 {
		m.guideCadence.Observe(f.Cadence.Seconds())
	}
	if f.Sent {
		m.guidePackets.WithLabelValues(string(f.Packet.Status)).Inc()
	}
	if f.Objects == 0 {
		m.guideLostFrames.Inc()
		return
	}
	m.guideX.Set(f.Star.CCDX)
	m.guideY.Set(f.Star.CCDY)
	m.guideFWHM.Set(f.Star.FWHM())
	m.guidePeak.Set(f.Star.PeakCounts)
	m.guideTotal.Set(f.Star.TotalCounts)
}

// RegisterTemperature adds a gauge that reads the CCD temperature from cam
// on every scrape
func RegisterTemperature(reg prometheus.Registerer, cam camera.Driver) error {
	return reg.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ccd",
			Name:      "temperature_celcius",
			Help:      "Current CCD temperature.",
		},
		func() float64 {
			t, _, err := cam.Temperature()
			if err != nil {
				return 0
			}
			return t
		}))
}
