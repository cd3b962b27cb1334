package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LeJamon/gokonnect/internal/konnect"
	"github.com/LeJamon/gokonnect/internal/protocol"
	"github.com/LeJamon/gokonnect/internal/storage"
)

const maxBodySize = 1 << 20

// devicePattern matches /{resource}/{device}[/{id}]. The device segment
// accepts a raw identifier or the @name form.
var devicePattern = regexp.MustCompile(`^/([a-z]+)/([\w+.@\- ]+?)(?:/([\w+\-]+))?$`)

type routeKey struct {
	method   string
	resource string
}

type precondition struct {
	trust     bool
	reachable bool
}

// routes maps each admin operation to the preconditions the dispatcher
// enforces before the handler runs.
var routes = map[routeKey]precondition{
	{http.MethodPost, "pair"}:           {trust: false, reachable: true},
	{http.MethodDelete, "pair"}:         {trust: true, reachable: false},
	{http.MethodGet, "device"}:          {trust: true, reachable: false},
	{http.MethodPost, "ping"}:           {trust: true, reachable: true},
	{http.MethodPost, "ring"}:           {trust: true, reachable: true},
	{http.MethodPost, "notification"}:   {trust: true, reachable: false},
	{http.MethodDelete, "notification"}: {trust: true, reachable: false},
	{http.MethodGet, "command"}:         {trust: true, reachable: false},
	{http.MethodPost, "command"}:        {trust: true, reachable: false},
	{http.MethodPut, "command"}:         {trust: true, reachable: false},
	{http.MethodDelete, "command"}:      {trust: true, reachable: false},
	{http.MethodPatch, "command"}:       {trust: true, reachable: true},
	{http.MethodPatch, "share"}:         {trust: true, reachable: false},
	{http.MethodPost, "custom"}:         {trust: true, reachable: true},
}

// API is the admin HTTP surface. It drives the konnect server on behalf of
// local tools and never faces the network directly.
type API struct {
	srv      *konnect.Server
	log      *logrus.Entry
	version  string
	debug    bool
	tempDir  string
	upgrader websocket.Upgrader
}

// NewAPI builds the handler. Debug mode unlocks the /custom endpoint.
func NewAPI(srv *konnect.Server, version string, debug bool) *API {
	return &API{
		srv:     srv,
		log:     logrus.WithField("component", "api"),
		version: version,
		debug:   debug,
		tempDir: iconCacheDir(srv.Config().Name),
	}
}

type response map[string]any

// ServeHTTP routes a request and renders the uniform JSON envelope.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" && r.Method == http.MethodGet {
		a.handleEventStream(w, r)
		return
	}

	body, code, err := a.process(r)
	if err != nil {
		var apiErr *Error
		if !errors.As(err, &apiErr) {
			apiErr = errInternal("unknown error", err)
		}

		body = response{"message": apiErr.Message}
		if apiErr.Err != nil {
			body["exception"] = apiErr.Err.Error()
		}
		body["success"] = false
		code = apiErr.Code
	} else {
		if body == nil {
			body = response{}
		}
		body["success"] = true
	}

	level := a.log.Info
	if code/100 == 5 {
		level = a.log.Error
	}
	level(r.RemoteAddr, " - ", r.Method, " ", r.URL.Path, " - ", code)

	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (a *API) process(r *http.Request) (response, int, error) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		return a.handleVersion()
	case r.URL.Path == "/" && r.Method == http.MethodPut:
		return a.handleAnnounce()
	case r.URL.Path == "/device" && r.Method == http.MethodGet:
		return a.handleDevices()
	}

	matches := devicePattern.FindStringSubmatch(r.URL.Path)
	if matches == nil {
		return nil, 0, errNotImplemented()
	}
	resource, selector, itemID := matches[1], matches[2], matches[3]

	pre, ok := routes[routeKey{r.Method, resource}]
	if !ok {
		return nil, 0, errNotImplemented()
	}

	data := map[string]any{}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, 0, errBadRequest("cannot read body", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, 0, errBadRequest("unserialization error", err)
		}
	}

	var identifier string
	if device := a.srv.FindDevice(selector); device != nil {
		identifier = device.Identifier
	}

	if pre.trust && !a.srv.Store().IsTrusted(identifier) {
		return nil, 0, errNotTrusted()
	}

	session := a.srv.SessionFor(identifier)
	if pre.reachable && session == nil {
		return nil, 0, errNotReachable()
	}

	switch (routeKey{r.Method, resource}) {
	case routeKey{http.MethodPost, "pair"}:
		return a.handlePostPair(session)
	case routeKey{http.MethodDelete, "pair"}:
		return a.handleDeletePair(identifier, session)
	case routeKey{http.MethodGet, "device"}:
		return a.handleGetDevice(identifier)
	case routeKey{http.MethodPost, "ping"}:
		return a.handlePostPing(session, data)
	case routeKey{http.MethodPost, "ring"}:
		return a.handlePostRing(session)
	case routeKey{http.MethodPost, "notification"}:
		return a.handlePostNotification(identifier, session, data)
	case routeKey{http.MethodDelete, "notification"}:
		return a.handleDeleteNotification(identifier, session, itemID)
	case routeKey{http.MethodGet, "command"}:
		return a.handleGetCommands(identifier)
	case routeKey{http.MethodPost, "command"}:
		return a.handlePostCommand(identifier, session, data)
	case routeKey{http.MethodPut, "command"}:
		return a.handlePutCommand(identifier, session, itemID, data)
	case routeKey{http.MethodDelete, "command"}:
		return a.handleDeleteCommand(identifier, session, itemID)
	case routeKey{http.MethodPatch, "command"}:
		return a.handlePatchCommand(session, itemID)
	case routeKey{http.MethodPatch, "share"}:
		return a.handlePatchShare(identifier, data)
	case routeKey{http.MethodPost, "custom"}:
		return a.handlePostCustom(session, data)
	}

	return nil, 0, errNotImplemented()
}

func (a *API) handleVersion() (response, int, error) {
	return response{
		"identifier": a.srv.Identity().DeviceID(),
		"device":     a.srv.Config().Name,
		"server":     "gokonnect " + a.version,
	}, http.StatusOK, nil
}

func (a *API) handleAnnounce() (response, int, error) {
	if err := a.srv.Announce(); err != nil {
		return nil, 0, errInternal("failed to broadcast identity packet", err)
	}
	return nil, http.StatusNoContent, nil
}

// deviceView is the admin representation of a device: the live/trusted
// union enriched with the command catalog and share destination.
type deviceView struct {
	konnect.Device
	Commands map[string]protocol.CommandEntry `json:"commands"`
	Path     string                           `json:"path"`
}

func (a *API) enrich(device konnect.Device) deviceView {
	view := deviceView{Device: device, Commands: map[string]protocol.CommandEntry{}}

	if commands, err := a.srv.Store().ListCommands(device.Identifier); err == nil {
		for _, c := range commands {
			view.Commands[c.Key] = protocol.CommandEntry{Name: c.Name, Command: c.Command}
		}
	}
	if path, err := a.srv.Store().GetPath(device.Identifier); err == nil {
		view.Path = path
	}
	return view
}

func (a *API) handleDevices() (response, int, error) {
	devices, err := a.srv.Devices()
	if err != nil {
		return nil, 0, errInternal("failed to list devices", err)
	}

	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		views = append(views, a.enrich(device))
	}
	return response{"devices": views}, http.StatusOK, nil
}

func (a *API) handlePostPair(session *konnect.Session) (response, int, error) {
	if err := session.RequestPair(); err != nil {
		return nil, 0, errInternal("failed to send pair request", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handleDeletePair(identifier string, session *konnect.Session) (response, int, error) {
	if session != nil {
		if err := session.RequestUnpair(); err != nil {
			return nil, 0, errInternal("failed to send unpair", err)
		}
		return nil, http.StatusOK, nil
	}

	if err := a.srv.Store().Unpair(identifier); err != nil {
		return nil, 0, errInternal("failed to unpair", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handleGetDevice(identifier string) (response, int, error) {
	devices, err := a.srv.Devices()
	if err != nil {
		return nil, 0, errInternal("failed to list devices", err)
	}

	for _, device := range devices {
		if device.Identifier == identifier {
			view := a.enrich(device)
			return response{"device": view}, http.StatusOK, nil
		}
	}
	return nil, 0, errNotFound("device not found")
}

func (a *API) handlePostPing(session *konnect.Session, data map[string]any) (response, int, error) {
	message, _ := data["message"].(string)
	if err := session.SendPing(message); err != nil {
		return nil, 0, errInternal("failed to send ping", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handlePostRing(session *konnect.Session) (response, int, error) {
	if err := session.SendRing(); err != nil {
		return nil, 0, errInternal("failed to send ring", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handlePostNotification(identifier string, session *konnect.Session, data map[string]any) (response, int, error) {
	text, _ := data["text"].(string)
	title, _ := data["title"].(string)
	application, _ := data["application"].(string)
	if text == "" || title == "" || application == "" {
		return nil, 0, errBadRequest("text or title or application not found", nil)
	}

	reference, _ := data["reference"].(string)
	if reference == "" {
		reference = uuid.NewString()
	}

	var payload *protocol.NotificationPayload
	if icon, _ := data["icon"].(string); icon != "" {
		var err error
		payload, err = a.prepareIcon(icon)
		if err != nil {
			return nil, 0, errBadRequest("cannot serve icon", err)
		}
	}

	if err := a.srv.Store().PersistNotification(identifier, text, title, application, reference); err != nil {
		return nil, 0, errInternal("failed to persist notification", err)
	}

	if session != nil {
		if err := session.SendNotification(text, title, application, reference, payload); err != nil {
			return nil, 0, errInternal("failed to send notification", err)
		}
	}

	return response{"reference": reference}, http.StatusCreated, nil
}

func (a *API) handleDeleteNotification(identifier string, session *konnect.Session, reference string) (response, int, error) {
	if reference == "" {
		return nil, 0, errNotImplemented()
	}

	if err := a.srv.Store().CancelNotification(identifier, reference); err != nil {
		return nil, 0, errInternal("failed to cancel notification", err)
	}

	if session != nil {
		if err := session.SendCancel(reference); err != nil {
			return nil, 0, errInternal("failed to send cancel", err)
		}
	}

	return nil, http.StatusNoContent, nil
}

func (a *API) handleGetCommands(identifier string) (response, int, error) {
	commands, err := a.srv.Store().ListCommands(identifier)
	if err != nil {
		return nil, 0, errInternal("failed to list commands", err)
	}

	catalog := map[string]protocol.CommandEntry{}
	for _, c := range commands {
		catalog[c.Key] = protocol.CommandEntry{Name: c.Name, Command: c.Command}
	}
	return response{"commands": catalog}, http.StatusOK, nil
}

func (a *API) handlePostCommand(identifier string, session *konnect.Session, data map[string]any) (response, int, error) {
	name, _ := data["name"].(string)
	command, _ := data["command"].(string)
	if name == "" || command == "" {
		return nil, 0, errBadRequest("name or command not found", nil)
	}

	key := uuid.NewString()
	if err := a.srv.Store().AddCommand(identifier, key, name, command); err != nil {
		return nil, 0, errInternal("failed to add command", err)
	}

	if session != nil {
		session.PushCommandList()
	}
	return response{"key": key}, http.StatusCreated, nil
}

func (a *API) handlePutCommand(identifier string, session *konnect.Session, key string, data map[string]any) (response, int, error) {
	if key == "" {
		return nil, 0, errNotImplemented()
	}

	name, _ := data["name"].(string)
	command, _ := data["command"].(string)
	if name == "" || command == "" {
		return nil, 0, errBadRequest("name or command not found", nil)
	}

	err := a.srv.Store().UpdateCommand(identifier, key, name, command)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, errNotFound("command not found")
	}
	if err != nil {
		return nil, 0, errInternal("failed to update command", err)
	}

	if session != nil {
		session.PushCommandList()
	}
	return nil, http.StatusNoContent, nil
}

func (a *API) handleDeleteCommand(identifier string, session *konnect.Session, key string) (response, int, error) {
	var err error
	if key == "" {
		err = a.srv.Store().RemoveCommands(identifier)
	} else {
		err = a.srv.Store().RemoveCommand(identifier, key)
	}
	if err != nil {
		return nil, 0, errInternal("failed to remove command", err)
	}

	if session != nil {
		session.PushCommandList()
	}
	return nil, http.StatusNoContent, nil
}

func (a *API) handlePatchCommand(session *konnect.Session, key string) (response, int, error) {
	if key == "" {
		return nil, 0, errNotImplemented()
	}

	if err := session.RunRemoteCommand(key); err != nil {
		return nil, 0, errInternal("failed to request command", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handlePatchShare(identifier string, data map[string]any) (response, int, error) {
	path, _ := data["path"].(string)
	if path == "" {
		return nil, 0, errBadRequest("path not found", nil)
	}

	err := a.srv.Store().SetPath(identifier, path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, errNotFound("device not found")
	}
	if err != nil {
		return nil, 0, errInternal("failed to set path", err)
	}
	return nil, http.StatusOK, nil
}

func (a *API) handlePostCustom(session *konnect.Session, data map[string]any) (response, int, error) {
	if !a.debug {
		return nil, 0, errForbidden("server is not in debug mode")
	}

	packetType, _ := data["type"].(string)
	if packetType == "" {
		return nil, 0, errBadRequest("type not found", nil)
	}

	packet := protocol.New(packetType)
	if body, ok := data["body"].(map[string]any); ok {
		for k, v := range body {
			packet.Set(k, v)
		}
	}

	if err := session.SendCustom(packet); err != nil {
		return nil, 0, errInternal("failed to send packet", err)
	}
	return nil, http.StatusOK, nil
}
