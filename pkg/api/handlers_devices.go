package api

import (
	"net/http"
)

// handleDevices handles GET /api/devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, toDeviceResponses(s.pipeline.Stats().Devices()))
}

// handleActiveDevices handles GET /api/devices/active
func (s *Server) handleActiveDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, toDeviceResponses(s.pipeline.Stats().ActiveDevices()))
}

// handleDevice handles GET /api/devices/{ip}
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.pipeline.Stats().Device(pathParam(r, "ip"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

// handleSetDeviceName handles PUT /api/devices/{ip}/name
func (s *Server) handleSetDeviceName(w http.ResponseWriter, r *http.Request) {
	var req deviceNameRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeRequestError(w, err)
		return
	}

	ip := pathParam(r, "ip")
	s.pipeline.Stats().SetDeviceName(ip, req.Name)
	s.logger.Info("Device renamed", "ip", ip, "name", req.Name)

	s.writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: req.Name})
}
