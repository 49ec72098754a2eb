package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws/conversations"
	PairCount = 50 // Conversation pairs (2 users each)
	MsgCount  = 20 // Messages per user
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type userResponse struct {
	ID uuid.UUID `json:"id"`
}

type conversationResponse struct {
	ID uuid.UUID `json:"id"`
}

func main() {
	log.Printf("starting load test: %d users, %d messages each", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	emailA := fmt.Sprintf("load_%d_a@example.com", pairID)
	emailB := fmt.Sprintf("load_%d_b@example.com", pairID)
	pass := "password123"

	// Each pair presents its own client IP so the per-IP limits on register
	// and login do not throttle the whole run from localhost.
	ip := fmt.Sprintf("10.1.%d.%d", pairID/250, pairID%250+1)

	tokenA, _ := authenticate(emailA, pass, ip)
	tokenB, idB := authenticate(emailB, pass, ip)

	if tokenA == "" || tokenB == "" {
		return
	}

	convID := createConversation(tokenA, idB)
	if convID == uuid.Nil {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go spamChat(&wsWg, tokenA, convID, emailA)
	go spamChat(&wsWg, tokenB, convID, emailB)

	wsWg.Wait()
}

// authenticate registers (ignoring already-exists errors) and logs in.
func authenticate(email, password, ip string) (string, uuid.UUID) {
	postJSON("/users", ip, map[string]string{"email": email, "password": password})

	resp, err := postJSON("/auth/login", ip, map[string]string{"email": email, "password": password})
	if err != nil {
		log.Printf("login failed [%s]: %v", email, err)
		return "", uuid.Nil
	}

	var data tokenResponse
	json.NewDecoder(resp.Body).Decode(&data)
	resp.Body.Close()

	return data.AccessToken, searchUserID(data.AccessToken, email)
}

func searchUserID(token, email string) uuid.UUID {
	req, _ := http.NewRequest("GET", fmt.Sprintf("%s/users/search?email=%s", BaseURL, email), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return uuid.Nil
	}
	defer resp.Body.Close()

	var u userResponse
	json.NewDecoder(resp.Body).Decode(&u)
	return u.ID
}

func createConversation(token string, targetID uuid.UUID) uuid.UUID {
	body := map[string]any{
		"conversation_type": "direct",
		"participant_ids":   []uuid.UUID{targetID},
	}
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", BaseURL+"/conversations", bytes.NewBuffer(jsonBody))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		log.Printf("create conversation failed: %v", err)
		return uuid.Nil
	}
	defer resp.Body.Close()

	var data conversationResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func spamChat(wg *sync.WaitGroup, token string, convID uuid.UUID, email string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/%s?token=%s", WSURL, convID, token), nil)
	if err != nil {
		log.Printf("ws connect failed [%s]: %v", email, err)
		return
	}
	defer conn.Close()

	// Drain server frames so the send queue never backs up
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		frame := map[string]any{
			"type":       "send_message",
			"message_id": uuid.NewString(), // client-minted idempotency key
			"content":    fmt.Sprintf("load test message %d from %s", i, email),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("send failed [%s]: %v", email, err)
			break
		}
		// Small sleep to avoid an instant localhost bottleneck
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d messages", email, MsgCount)
}

func postJSON(endpoint, ip string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	req, err := http.NewRequest("POST", BaseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", ip)
	return http.DefaultClient.Do(req)
}
