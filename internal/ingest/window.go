package ingest

import (
	"sync"

	"adaptivx/internal/model"
)

// rollingWindow keeps the newest size vibration values of one asset.
type rollingWindow struct {
	values []float64
	head   int
	size   int
}

func (w *rollingWindow) add(v float64) {
	w.values = append(w.values, v)
	if len(w.values)-w.head > w.size {
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.values) {
		w.values = append([]float64{}, w.values[w.head:]...)
		w.head = 0
	}
}

func (w *rollingWindow) snapshot() model.SensorWindow {
	out := make([]float64, len(w.values)-w.head)
	copy(out, w.values[w.head:])
	return model.SensorWindow{VibRMS: out}
}

// Windows holds a rolling window per asset.
type Windows struct {
	mu      sync.Mutex
	size    int
	byAsset map[string]*rollingWindow
}

func NewWindows(size int) *Windows {
	if size <= 0 {
		size = 50
	}
	return &Windows{size: size, byAsset: make(map[string]*rollingWindow)}
}

// Add appends the sample and returns a copy of the asset's window.
func (ws *Windows) Add(s model.SensorSample) model.SensorWindow {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byAsset[s.AssetID]
	if !ok {
		w = &rollingWindow{values: make([]float64, 0, ws.size+1), size: ws.size}
		ws.byAsset[s.AssetID] = w
	}
	w.add(s.VibRMS)
	return w.snapshot()
}

func (ws *Windows) Get(assetID string) (model.SensorWindow, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.byAsset[assetID]
	if !ok {
		return model.SensorWindow{}, false
	}
	return w.snapshot(), true
}

func (ws *Windows) Reset(assetID string) {
	ws.mu.Lock()
	delete(ws.byAsset, assetID)
	ws.mu.Unlock()
}
