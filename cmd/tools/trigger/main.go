package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/david/sam-harvester/internal/auth"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	input := flag.String("input", "", "Input CSV path as seen by the server")
	limit := flag.Int("limit", 0, "Process at most this many rows (0 for all)")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}
	if *input == "" {
		fmt.Println("Missing -input")
		os.Exit(1)
	}

	token, err := auth.IssueAdminToken([]byte(adminSecret), "trigger-cli", 5*time.Minute)
	if err != nil {
		fmt.Printf("Error signing token: %v\n", err)
		os.Exit(1)
	}

	var accepted struct {
		JobID string `json:"job_id"`
		Poll  string `json:"poll"`
		Error string `json:"error"`
	}
	resp, err := resty.New().R().
		SetAuthToken(token).
		SetBody(map[string]interface{}{"input_csv": *input, "limit": *limit}).
		SetResult(&accepted).
		SetError(&accepted).
		Post(strings.TrimRight(*baseURL, "/") + "/api/v1/admin/scrape")
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Response Status: %s\n", resp.Status())
	if resp.StatusCode() != 202 {
		if accepted.Error != "" {
			fmt.Printf("Error: %s\n", accepted.Error)
		}
		os.Exit(1)
	}
	fmt.Printf("Job %s started; poll %s%s\n", accepted.JobID, strings.TrimRight(*baseURL, "/"), accepted.Poll)
}
