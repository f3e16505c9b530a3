package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/NotCoffee418/solar_telemetry/pkg/aggregator"
	"github.com/NotCoffee418/solar_telemetry/pkg/inverter"
	"github.com/NotCoffee418/solar_telemetry/pkg/powermonitor"
	"github.com/NotCoffee418/solar_telemetry/pkg/telemetry"
	"github.com/NotCoffee418/solar_telemetry/pkg/timesource"
	log "github.com/sirupsen/logrus"
)

const (
	defaultDays    = 7
	defaultMonths  = 12
	defaultPeriods = 31
	maxPeriods     = 3660
)

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timesource.System{}
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /{$}", s.handleStatus)
	s.mux.HandleFunc("GET /latest", s.handleLatest)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /hourly", s.handleHourly)
	s.mux.HandleFunc("GET /daily", s.handleDaily)
	s.mux.HandleFunc("GET /monthly", s.handleMonthly)
	s.mux.HandleFunc("GET /calibration", s.handleGetCalibration)
	s.mux.HandleFunc("POST /calibration", s.handlePostCalibration)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /device", s.handleGetDevice)
	s.mux.HandleFunc("POST /device", s.handlePostDevice)
	s.mux.HandleFunc("GET /inverter", s.handleInverter)
	s.mux.HandleFunc("GET /periods", s.handlePeriods)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam reads a positive integer query parameter, falling back to def
// when absent and clamping to max.
func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Solar Telemetry API",
		"status":  "running",
		"health":  s.opts.Monitor.Health(),
		"summary": s.opts.Aggregator.Summary(s.opts.Records.ReadAll(), s.opts.Clock.Now()),
	})
}

func (s *Server) latestLiveData() ([]byte, bool) {
	snap := s.opts.Monitor.Latest()
	if snap == nil {
		return nil, false
	}
	data, err := json.Marshal(snap.LiveData())
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Monitor.Latest()
	if snap == nil {
		writeError(w, http.StatusNotFound, "No readings available yet")
		return
	}
	writeJSON(w, http.StatusOK, snap.LiveData())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed disabled")
		return
	}
	// Send current reading immediately if available
	initial, _ := s.latestLiveData()
	s.opts.Hub.ServeWS(w, r, initial)
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Aggregator.Hourly(s.opts.Records.ReadAll(), s.opts.Clock.Now()))
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", defaultDays, aggregator.MaxDailyWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Aggregator.Daily(s.opts.Records.ReadAll(), s.opts.Clock.Now(), days))
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	months, err := intParam(r, "months", defaultMonths, aggregator.MaxMonthlyWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Aggregator.Monthly(s.opts.Records.ReadAll(), s.opts.Clock.Now(), months))
}

func (s *Server) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Monitor.Calibration())
}

// handlePostCalibration accepts a JSON body or cal_v / cal_i form values.
// Omitted factors keep their current value.
func (s *Server) handlePostCalibration(w http.ResponseWriter, r *http.Request) {
	var req calibrationRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		for name, dst := range map[string]**float64{"cal_v": &req.Voltage, "cal_i": &req.Current} {
			raw := r.FormValue(name)
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be a number")
				return
			}
			*dst = &v
		}
	}

	cal := s.opts.Monitor.Calibration()
	if req.Voltage != nil {
		cal.Voltage = *req.Voltage
	}
	if req.Current != nil {
		cal.Current = *req.Current
	}

	if err := s.opts.Monitor.UpdateCalibration(cal); err != nil {
		if errors.Is(err, telemetry.ErrInvalidCalibration) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Monitor.Health())
}

func toDeviceJSON(dev powermonitor.DeviceConfig) deviceJSON {
	cal, _ := powermonitor.ComputeCalibrationRegister(dev)
	return deviceJSON{
		Family:              dev.Family.String(),
		Address:             dev.Address,
		ShuntOhms:           dev.ShuntOhms,
		MaxCurrentA:         dev.MaxCurrentA,
		ConfigRegister:      dev.Register.Encode(dev.Family),
		CalibrationRegister: cal,
		CurrentLSB:          dev.CurrentLSB(),
		MaxMeasurableA:      dev.MaxShuntCurrentA(),
	}
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDeviceJSON(s.opts.Monitor.Device()))
}

// handlePostDevice queues a new sensor configuration. Fields left out keep
// the current value.
func (s *Server) handlePostDevice(w http.ResponseWriter, r *http.Request) {
	req := toDeviceJSON(s.opts.Monitor.Device())
	req.ConfigRegister = 0
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	family, err := powermonitor.ParseFamily(req.Family)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dev := powermonitor.DeviceConfig{
		Family:      family,
		Address:     req.Address,
		ShuntOhms:   req.ShuntOhms,
		MaxCurrentA: req.MaxCurrentA,
		Register:    powermonitor.DefaultConfigRegister(family),
	}
	if req.ConfigRegister != 0 {
		dev.Register = powermonitor.DecodeConfigRegister(family, req.ConfigRegister)
	}

	if err := s.opts.Monitor.Reconfigure(dev); err != nil {
		switch {
		case errors.Is(err, powermonitor.ErrInvalidDeviceConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, telemetry.ErrReconfigurePending):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, toDeviceJSON(dev))
}

// May be fast or slow depending on cached response from inverter.
func (s *Server) handleInverter(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Inverter.Configured() {
		writeError(w, http.StatusServiceUnavailable, inverter.ErrNotConfigured.Error())
		return
	}
	reading, err := s.opts.Inverter.Read()
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := inverterResponse{Reading: reading}
	if snap := s.opts.Monitor.Latest(); snap != nil && snap.Sample.PowerW.Valid {
		dc := snap.Sample.PowerW.Value
		resp.DCPowerW = &dc
		if eff, ok := inverter.Efficiency(dc, float64(reading.ACPowerW)); ok {
			resp.Efficiency = &eff
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	if s.opts.Periods == nil {
		writeError(w, http.StatusServiceUnavailable, "period history disabled")
		return
	}
	limit, err := intParam(r, "limit", defaultPeriods, maxPeriods)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	totals, err := s.opts.Periods.RecentPeriodTotals(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
