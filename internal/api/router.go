package api

import (
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"github.com/gorilla/mux"
)

func NewRouter(engine Engine, recorder journal.Recorder, log logger.Logger) *mux.Router {
	if recorder == nil {
		recorder = journal.Nop()
	}
	if log == nil {
		log = logger.Nop()
	}

	h := &handler{engine: engine, journal: recorder, log: log}

	r := mux.NewRouter()

	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/channels", h.listChannels).Methods("GET")
	r.HandleFunc("/channels/{id}", h.getChannel).Methods("GET")
	r.HandleFunc("/power-cap", h.setPowerCap).Methods("PUT")
	r.HandleFunc("/commands", h.listCommands).Methods("GET")

	return r
}
