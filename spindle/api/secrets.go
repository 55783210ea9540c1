package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.org/spindle/spindle/secrets"
)

type AddSecretInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SecretOutput struct {
	Key       string `json:"key"`
	CreatedAt string `json:"createdAt"`
}

func (a *Api) AddSecret(w http.ResponseWriter, r *http.Request) {
	l := a.Logger
	fail := func(e Error, status int) {
		l.Error("failed", "kind", e.Tag, "error", e.Message)
		writeError(w, e, status)
	}

	var data AddSecretInput
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		fail(GenericError(err), http.StatusBadRequest)
		return
	}

	if err := secrets.ValidateKey(data.Key); err != nil {
		fail(InvalidKeyError(data.Key), http.StatusBadRequest)
		return
	}

	secret := secrets.UnlockedSecret{
		Key:       data.Key,
		Value:     data.Value,
		CreatedAt: time.Now(),
	}
	err := a.Secrets.AddSecret(r.Context(), secret)
	if errors.Is(err, secrets.ErrKeyAlreadyPresent) {
		fail(KeyExistsError(data.Key), http.StatusConflict)
		return
	}
	if err != nil {
		fail(GenericError(err), http.StatusInternalServerError)
		return
	}

	l.Info("added secret", "key", data.Key)
	w.WriteHeader(http.StatusOK)
}

func (a *Api) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	err := a.Secrets.RemoveSecret(r.Context(), key)
	if errors.Is(err, secrets.ErrKeyNotFound) {
		writeError(w, KeyNotFoundError(key), http.StatusNotFound)
		return
	}
	if err != nil {
		a.Logger.Error("failed to remove secret", "key", key, "err", err)
		writeError(w, GenericError(err), http.StatusInternalServerError)
		return
	}

	a.Logger.Info("removed secret", "key", key)
	w.WriteHeader(http.StatusOK)
}

func (a *Api) ListSecrets(w http.ResponseWriter, r *http.Request) {
	ls, err := a.Secrets.GetSecretsLocked(r.Context())
	if err != nil {
		a.Logger.Error("failed to list secrets", "err", err)
		writeError(w, GenericError(err), http.StatusInternalServerError)
		return
	}

	out := []SecretOutput{}
	for _, l := range ls {
		out = append(out, SecretOutput{
			Key:       l.Key,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}
