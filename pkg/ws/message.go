package ws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Request - исходящий вызов операции api. Echo связывает будущий ответ
// с запросом и заполняется при создании.
type Request struct {
	API  string          `json:"api"`
	Data json.RawMessage `json:"data,omitempty"`
	Echo string          `json:"echo"`
}

func NewRequest(api string, payload any) (*Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Request{
		API:  api,
		Data: data,
		Echo: uuid.New().String(),
	}, nil
}

func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Envelope - входящий кадр. Кадр с операцией api считается запросом,
// кадр с непустым echo - ответом на запрос, остальные доставляются
// приложению как события.
type Envelope struct {
	API     string          `json:"api,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`

	raw []byte
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, err)
	}

	env.raw = data

	return &env, nil
}

func NewResponse(echo string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Status: StatusOK,
		Data:   data,
		Echo:   echo,
	}, nil
}

func NewErrorResponse(echo string, err error) *Envelope {
	return &Envelope{
		Status:  StatusFailed,
		Message: err.Error(),
		Echo:    echo,
	}
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Envelope) IsRequest() bool {
	return e.API != ""
}

func (e *Envelope) IsResponse() bool {
	return e.API == "" && e.Echo != ""
}

// Raw возвращает исходные байты кадра без повторной сериализации.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// Err превращает статус ответа в ошибку: любой статус кроме ok и
// пустого означает отказ сервера.
func (e *Envelope) Err() error {
	if e.Status == "" || e.Status == StatusOK {
		return nil
	}

	if e.Message != "" {
		return fmt.Errorf("%w: %s: %s", ErrServerError, e.Status, e.Message)
	}

	return fmt.Errorf("%w: %s", ErrServerError, e.Status)
}

func (e *Envelope) UnmarshalData(v any) error {
	return json.Unmarshal(e.Data, v)
}
