package api

import (
	"net/http"
	"strconv"
	"time"

	"grimm.is/warden/internal/device"
	"grimm.is/warden/internal/store"
)

// --- devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := device.NormalizeMAC(r.PathValue("mac"))
	d, ok := s.deps.Registry.Get(mac)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown device")
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleSetMonitored(w http.ResponseWriter, r *http.Request) {
	mac := device.NormalizeMAC(r.PathValue("mac"))
	var body struct {
		Monitored bool `json:"monitored"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Registry.SetMonitored(mac, body.Monitored); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	// Keep the ARP layer in step with the monitoring flag.
	if body.Monitored {
		if d, ok := s.deps.Registry.Get(mac); ok && d.IP != "" {
			s.addSpoofTarget(mac, d.IP)
		}
	} else {
		s.deps.Announcer.RemoveTarget(mac)
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) addSpoofTarget(mac, ip string) {
	d, ok := s.deps.Registry.Get(mac)
	if !ok {
		return
	}
	if ipAddr := parseIP(ip); ipAddr != nil {
		if err := s.deps.Announcer.AddTarget(d.MAC, ipAddr); err != nil {
			s.logger.Warn("Failed to add interception target", "mac", mac, "error", err)
		}
	}
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	mac := device.NormalizeMAC(r.PathValue("mac"))
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Registry.SetName(mac, body.Name); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSetClass(w http.ResponseWriter, r *http.Request) {
	mac := device.NormalizeMAC(r.PathValue("mac"))
	var body struct {
		Class string `json:"class"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Registry.SetClass(mac, body.Class); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSetCertTrusted(w http.ResponseWriter, r *http.Request) {
	mac := device.NormalizeMAC(r.PathValue("mac"))
	var body struct {
		Trusted bool `json:"trusted"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Registry.SetCertTrusted(mac, body.Trusted); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- traffic ---

func filterFromQuery(r *http.Request) store.Filter {
	q := r.URL.Query()
	f := store.Filter{
		Host: q.Get("host"),
	}
	if v := q.Get("device"); v != "" {
		f.DeviceMAC = device.NormalizeMAC(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	if v := q.Get("blocked"); v != "" {
		b := v == "true" || v == "1"
		f.Blocked = &b
	}
	if v := q.Get("alerted"); v != "" {
		b := v == "true" || v == "1"
		f.Alerted = &b
	}
	return f
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.deps.DB.Transactions(filterFromQuery(r))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	// Bodies stay out of list responses; fetch one record for detail.
	for i := range txns {
		txns[i].ReqBody = nil
		txns[i].RespBody = nil
	}
	WriteJSON(w, http.StatusOK, txns)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.deps.DB.GetTransaction(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	if txn == nil {
		WriteError(w, http.StatusNotFound, "unknown transaction")
		return
	}
	WriteJSON(w, http.StatusOK, txn)
}

func (s *Server) handleListDNS(w http.ResponseWriter, r *http.Request) {
	qs, err := s.deps.DB.DNSQueries(filterFromQuery(r))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, qs)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		WriteError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	results, err := s.deps.DB.Search(term, filterFromQuery(r))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "search failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, results)
}

// --- alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	minSeverity := r.URL.Query().Get("min_severity")
	alerts, err := s.deps.DB.Alerts(filterFromQuery(r), minSeverity)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Read bool `json:"read"`
	}
	body.Read = true
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.DB.SetAlertRead(r.PathValue("id"), body.Read); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolved bool `json:"resolved"`
	}
	body.Resolved = true
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.DB.SetAlertResolved(r.PathValue("id"), body.Resolved); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- policy ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Policy.Rules())
}

func (s *Server) handleRuleEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Policy.SetRuleEnabled(r.PathValue("id"), body.Enabled); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Policy.Schedules())
}

func (s *Server) handleScheduleEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Policy.SetScheduleEnabled(r.PathValue("name"), body.Enabled); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
