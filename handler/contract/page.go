package handler

import "html/template"

// pageData は商品一覧ページに渡すデータ
type pageData struct {
	Catalog     catalogView
	Symbol      string
	Marketplace string
	Account     *accountView
	Notice      string
	Error       string
}

type catalogView struct {
	Products  []productView
	FetchedAt string
	Skipped   int
}

type productView struct {
	ID          uint64
	Name        string
	Image       string
	Description string
	Price       string
	Sold        bool
}

type accountView struct {
	Address string
	Balance string
}

var pageTemplate = template.Must(template.New("marketplace").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Marketplace</title>
<style>
body { font-family: sans-serif; margin: 2rem; background: #fafafa; }
#marketplace { display: flex; flex-wrap: wrap; gap: 1rem; }
.product { background: #fff; border: 1px solid #ddd; border-radius: 8px; padding: 1rem; width: 260px; }
.product img { width: 100%; height: 180px; object-fit: cover; border-radius: 4px; }
.product.sold { opacity: .6; }
.notice { color: #1b5e20; }
.error { color: #b71c1c; }
.meta { color: #666; font-size: .85rem; }
</style>
</head>
<body>
<h1>Marketplace</h1>
{{with .Account}}<p class="meta">Account {{.Address}} · Balance {{.Balance}} {{$.Symbol}}</p>{{else}}<p class="meta">No wallet connected (read-only)</p>{{end}}
{{with .Notice}}<p class="notice">{{.}}</p>{{end}}
{{with .Error}}<p class="error">{{.}}</p>{{end}}
<div id="marketplace">
{{range .Catalog.Products}}
  <div class="product{{if .Sold}} sold{{end}}">
    <img src="{{.Image}}" alt="{{.Name}}">
    <h3>{{.Name}}</h3>
    <p>{{.Description}}</p>
    <p>Price: {{.Price}} {{$.Symbol}}</p>
    <form method="post" action="/products/{{.ID}}/buy">
      <input type="hidden" name="price" value="{{.Price}}">
      {{if .Sold}}<button type="submit" disabled>Sold</button>{{else}}<button type="submit">Buy</button>{{end}}
    </form>
  </div>
{{else}}
  <p>No products listed.</p>
{{end}}
</div>
<p class="meta">Contract {{.Marketplace}}{{with .Catalog.FetchedAt}} · Updated {{.}}{{end}}{{if .Catalog.Skipped}} · {{.Catalog.Skipped}} unavailable{{end}}</p>
</body>
</html>
`))
