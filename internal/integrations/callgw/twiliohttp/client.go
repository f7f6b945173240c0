package twiliohttp

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldcall/callbox/internal/integrations/callgw"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	httpc      *http.Client
}

// New, как и vapihttp.New, валидирует креды сразу: без SID/token/from процесс
// не должен стартовать вовсе.
func New(baseURL, accountSID, authToken, fromNumber string) (*Client, error) {
	if accountSID == "" {
		return nil, errors.New("twilio account sid is required")
	}
	if authToken == "" {
		return nil, errors.New("twilio auth token is required")
	}
	if fromNumber == "" {
		return nil, errors.New("twilio from number is required")
	}
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &Client{
		baseURL:    baseURL,
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type createCallResp struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// twiml — скрипт звонка; переменные тикета зачитываются голосом.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
}

func callScript(mechanic models.Mechanic, ticket models.TicketContext) string {
	doc := twiml{
		Say: fmt.Sprintf(
			"Hello %s. A customer near %s needs roadside help with a %s: %s. "+
				"Press any key or call back if you can take this job. Ticket %s.",
			mechanic.DisplayName, ticket.Location, ticket.VehicleInfo, ticket.Issue, ticket.TicketID,
		),
	}
	b, _ := xml.Marshal(doc)
	return xml.Header + string(b)
}

func (c *Client) PlaceCall(ctx context.Context, mechanic models.Mechanic, ticket models.TicketContext) (callgw.CallResult, error) {
	form := url.Values{}
	form.Set("To", mechanic.Phone)
	form.Set("From", c.fromNumber)
	form.Set("Twiml", callScript(mechanic, ticket))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return callgw.CallResult{}, errors.Wrap(err, "new request")
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Сетевая ошибка / таймаут — обычный сбой звонка, цикл не валим.
		return callgw.CallResult{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("twilio http %d", resp.StatusCode)
		var e apiErrorResp
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			msg = fmt.Sprintf("twilio http %d: %s", resp.StatusCode, e.Message)
		}
		return callgw.CallResult{Error: msg}, nil
	}

	var r createCallResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return callgw.CallResult{Error: "twilio: " + err.Error()}, nil
	}

	return callgw.CallResult{Success: true, CallID: r.SID}, nil
}
