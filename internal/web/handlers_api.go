package web

import (
	"net/http"
	"net/netip"
	"time"
	"unicode/utf8"

	"kasa-go-home/internal/protocol"
)

// pathAddr parses the {addr} segment, accepting "ip" or "ip:port". It writes
// the 400 response itself on failure.
func (s *Server) pathAddr(w http.ResponseWriter, r *http.Request) (netip.AddrPort, bool) {
	addr, err := protocol.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid device address"))
		return netip.AddrPort{}, false
	}
	return addr, true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.ListDevices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	dev, err := s.hub.GetDevice(addr)
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type addDeviceRequest struct {
	Addr string `json:"addr"`
}

// handleAPIAddDevice registers a device by address for networks where the
// broadcast does not reach it.
func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	addr, err := protocol.ParseAddress(req.Addr)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid device address"))
		return
	}
	dev, err := s.hub.Add(r.Context(), addr)
	if err != nil {
		s.writeError(w, "add device", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

type renameDeviceRequest struct {
	Alias string `json:"alias"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	var req renameDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if n := utf8.RuneCountInString(req.Alias); n == 0 || n > 31 {
		s.writeJSON(w, http.StatusBadRequest, errorBody("alias must be 1-31 characters"))
		return
	}
	if err := s.hub.SetAlias(r.Context(), addr, req.Alias); err != nil {
		s.writeError(w, "rename device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "alias": req.Alias})
}

func (s *Server) handleAPIForgetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	if err := s.hub.Forget(addr); err != nil {
		s.writeError(w, "forget device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	dev, err := s.hub.Refresh(r.Context(), addr)
	if err != nil {
		s.writeError(w, "refresh device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

// respondState writes the stored view after a successful command.
func (s *Server) respondState(w http.ResponseWriter, addr netip.AddrPort) {
	dev, err := s.hub.GetDevice(addr)
	if err != nil {
		s.writeError(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPISwitch(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := s.pathAddr(w, r)
		if !ok {
			return
		}
		fn := s.hub.SwitchOff
		if on {
			fn = s.hub.SwitchOn
		}
		if err := fn(r.Context(), addr); err != nil {
			s.writeError(w, "switch device", err)
			return
		}
		s.respondState(w, addr)
	}
}

func (s *Server) handleAPIToggle(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	if _, err := s.hub.Toggle(r.Context(), addr); err != nil {
		s.writeError(w, "toggle device", err)
		return
	}
	s.respondState(w, addr)
}

type brightnessRequest struct {
	Brightness *int `json:"brightness"`
	Transition bool `json:"transition"`
}

func (s *Server) handleAPIBrightness(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	var req brightnessRequest
	if err := decodeBody(w, r, &req); err != nil || req.Brightness == nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("brightness is required"))
		return
	}
	if err := s.hub.SetBrightness(r.Context(), addr, *req.Brightness, req.Transition); err != nil {
		s.writeError(w, "set brightness", err)
		return
	}
	s.respondState(w, addr)
}

type colorRequest struct {
	Hue        *int `json:"hue"`
	Saturation *int `json:"saturation"`
	Brightness *int `json:"brightness"`
	ColorTemp  *int `json:"color_temp"`
}

// handleAPIColor accepts either hue and saturation (brightness optional,
// default 100) or a color_temp in kelvin.
func (s *Server) handleAPIColor(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	var req colorRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	var err error
	switch {
	case req.ColorTemp != nil:
		err = s.hub.SetColorTemp(r.Context(), addr, *req.ColorTemp)
	case req.Hue != nil && req.Saturation != nil:
		level := 100
		if req.Brightness != nil {
			level = *req.Brightness
		}
		err = s.hub.SetColor(r.Context(), addr, *req.Hue, *req.Saturation, level)
	default:
		s.writeJSON(w, http.StatusBadRequest, errorBody("hue and saturation, or color_temp, are required"))
		return
	}
	if err != nil {
		s.writeError(w, "set color", err)
		return
	}
	s.respondState(w, addr)
}

type rebootRequest struct {
	Delay int `json:"delay"` // seconds
}

func (s *Server) handleAPIReboot(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	var req rebootRequest
	if err := decodeBody(w, r, &req); err != nil || req.Delay < 0 {
		s.writeJSON(w, http.StatusBadRequest, errorBody("delay must be a non-negative number of seconds"))
		return
	}
	if err := s.hub.Reboot(r.Context(), addr, time.Duration(req.Delay)*time.Second); err != nil {
		s.writeError(w, "reboot device", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
}

// handleAPIDimmer returns the dimmer calibration and default behavior.
func (s *Server) handleAPIDimmer(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	params, err := s.hub.DimmerParameters(r.Context(), addr)
	if err != nil {
		s.writeError(w, "dimmer parameters", err)
		return
	}
	behavior, err := s.hub.DefaultBehavior(r.Context(), addr)
	if err != nil {
		s.writeError(w, "default behavior", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"parameters":       params,
		"default_behavior": behavior,
	})
}

func (s *Server) handleAPIDiscoveryState(w http.ResponseWriter, r *http.Request) {
	state, err := s.hub.DiscoveryState()
	if err != nil {
		s.writeError(w, "discovery state", err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// handleAPIScan runs one discovery cycle and returns every device that replied.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Discover(r.Context()))
}
