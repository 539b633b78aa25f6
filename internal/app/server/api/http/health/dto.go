package health

// Input запрос проверки здоровья
type Input struct{}

// Output ответ проверки здоровья
type Output struct {
	Status int
	Body   Response
}

// Response состояние сервиса
type Response struct {
	Status    string `json:"status" example:"OK" doc:"Health status of the service"`
	Error     string `json:"error,omitempty"`
	Terminals int    `json:"terminals" doc:"Number of managed terminals"`
}
