package extract

import "fmt"

// SystemPrompt instructs the model to return only portfolio companies.
const SystemPrompt = `You extract the current portfolio companies of an investment fund from the text of its website.

Rules:
- Return only companies the fund has invested in.
- Exclude the fund itself, its management company, team members, partners, advisors, limited partners, co-investors, service providers and clients or suppliers of portfolio companies.
- Use each company name exactly as written on the page, without taglines or descriptions.
- If no portfolio companies are listed, return an empty list.

Respond with JSON only, in the form {"companies": ["Name One", "Name Two"]}.`

// UserPrompt renders the per-target request.
func UserPrompt(fundName, text string) string {
	return fmt.Sprintf("Fund: %s\n\nPage content:\n%s\n\nPortfolio companies as JSON:", fundName, text)
}
