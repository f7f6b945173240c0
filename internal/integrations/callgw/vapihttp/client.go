package vapihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldcall/callbox/internal/integrations/callgw"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL       string
	apiKey        string
	phoneNumberID string
	httpc         *http.Client
}

// New возвращает ошибку при пустых кредах: это фатальная ошибка конфигурации,
// её надо ловить на старте процесса, а не внутри цикла обзвона.
func New(baseURL, apiKey, phoneNumberID string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("vapi api key is required")
	}
	if phoneNumberID == "" {
		return nil, errors.New("vapi phone number id is required")
	}
	if baseURL == "" {
		baseURL = "https://api.vapi.ai"
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		phoneNumberID: phoneNumberID,
		httpc: &http.Client{
			// Зависший вызов не должен тормозить следующие циклы.
			Timeout: 30 * time.Second,
		},
	}, nil
}

type createCallReq struct {
	PhoneNumberID string       `json:"phoneNumberId"`
	Customer      callCustomer `json:"customer"`

	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
}

type callCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type assistantOverrides struct {
	VariableValues map[string]string `json:"variableValues"`
}

type createCallResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type apiErrorResp struct {
	Message any `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) PlaceCall(ctx context.Context, mechanic models.Mechanic, ticket models.TicketContext) (callgw.CallResult, error) {
	body := createCallReq{
		PhoneNumberID: c.phoneNumberID,
		Customer: callCustomer{
			Number: mechanic.Phone,
			Name:   mechanic.DisplayName,
		},
		AssistantOverrides: assistantOverrides{
			VariableValues: map[string]string{
				"ticketId":        ticket.TicketID,
				"customerName":    ticket.CustomerName,
				"vehicleInfo":     ticket.VehicleInfo,
				"location":        ticket.Location,
				"issue":           ticket.Issue,
				"mechanicName":    mechanic.DisplayName,
				"mechanicAddress": mechanic.FormattedAddress,
			},
		},
	}

	b, err := json.Marshal(body)
	if err != nil {
		return callgw.CallResult{}, errors.Wrap(err, "marshal call request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(b))
	if err != nil {
		return callgw.CallResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Сетевая ошибка / таймаут — обычный сбой звонка, цикл не валим.
		return callgw.CallResult{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("vapi http %d", resp.StatusCode)
		var e apiErrorResp
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = fmt.Sprintf("vapi http %d: %s", resp.StatusCode, e.Error)
		}
		return callgw.CallResult{Error: msg}, nil
	}

	var r createCallResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return callgw.CallResult{Error: "vapi: " + err.Error()}, nil
	}

	return callgw.CallResult{Success: true, CallID: r.ID}, nil
}
