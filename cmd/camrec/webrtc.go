package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/camrec"
)

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// serveWebRTC answers POST /offer with a peer connection sending the
// preview track of tap.
func serveWebRTC(addr string, tap *camrec.WebRTCTap, log *zap.Logger) (*http.Server, error) {
	log = log.Named("signaling")
	mux := http.NewServeMux()
	mux.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req offerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer, err := answerOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}, tap, log)
		if err != nil {
			log.Warn("offer rejected", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(answer)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("signaling server", zap.Error(err))
		}
	}()
	log.Info("webrtc preview", zap.String("offer_url", "http://"+ln.Addr().String()+"/offer"))
	return srv, nil
}

func answerOffer(offer webrtc.SessionDescription, tap *camrec.WebRTCTap, log *zap.Logger) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}
	if _, err := tap.AddTo(pc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("AddTrack: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection", zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("CreateAnswer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("SetLocalDescription: %w", err)
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}
