package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"trapper/catalog/services"

	"github.com/go-chi/chi/v5"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// File sends a multipart form with a single file field.
func (r *httpTestRequest) File(field, filename string, data []byte) *httpTestRequest {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(field, filename)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		panic(fmt.Sprintf("error building multipart body: %v", err))
	}

	r.body = body
	return r.Header("Content-Type", writer.FormDataContentType())
}

type statusError struct {
	method   string
	endpoint string
	code     int
	content  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v request to endpoint %v returned status %d, content '%v'", e.method, e.endpoint, e.code, e.content)
}

// statusCode returns the http status carried by err, or 0 if err did not
// come from a non 200 response.
func statusCode(err error) int {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code
	}
	return 0
}

func errorContent(err error) string {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.content
	}
	return ""
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &statusError{method: r.method, endpoint: r.endpoint, code: res.StatusCode, content: w.Body.String()}
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) addUser(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/create").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) promoteAdmin(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) demoteAdmin(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

type idResponse struct {
	ResourceId   string `json:"resource_id"`
	CollectionId string `json:"collection_id"`
	ProjectId    string `json:"project_id"`
	Redirect     string `json:"redirect"`
}

type redirectResponse struct {
	Message  string `json:"message"`
	Redirect string `json:"redirect"`
}

func (c *client) createResource(body map[string]interface{}) (string, error) {
	var res idResponse
	err := c.Post("/resource/create").Json(body).Do(&res)
	return res.ResourceId, err
}

func (c *client) resourceInfo(resourceId string) (services.ResourceInfo, error) {
	var res services.ResourceInfo
	err := c.Get(fmt.Sprintf("/resource/%v", resourceId)).Do(&res)
	return res, err
}

func (c *client) listResources(query string) (services.Page[services.ResourceInfo], error) {
	var res services.Page[services.ResourceInfo]
	err := c.Get("/resource/list" + query).Do(&res)
	return res, err
}

func (c *client) userResources(userId string) ([]services.ResourceInfo, error) {
	var res []services.ResourceInfo
	err := c.Get(fmt.Sprintf("/resource/user/%v", userId)).Do(&res)
	return res, err
}

func (c *client) updateResource(resourceId string, body map[string]interface{}) error {
	return c.Post(fmt.Sprintf("/resource/%v/update", resourceId)).Json(body).Do(nil)
}

func (c *client) deleteResource(resourceId string) error {
	return c.Delete(fmt.Sprintf("/resource/%v", resourceId)).Do(nil)
}

func (c *client) createCollection(body map[string]interface{}) (string, error) {
	var res idResponse
	err := c.Post("/collection/create").Json(body).Do(&res)
	return res.CollectionId, err
}

func (c *client) collectionInfo(collectionId string) (services.CollectionInfo, error) {
	var res services.CollectionInfo
	err := c.Get(fmt.Sprintf("/collection/%v", collectionId)).Do(&res)
	return res, err
}

func (c *client) listCollections(query string) (services.Page[services.CollectionInfo], error) {
	var res services.Page[services.CollectionInfo]
	err := c.Get("/collection/list" + query).Do(&res)
	return res, err
}

func (c *client) updateCollection(collectionId string, body map[string]interface{}) error {
	return c.Post(fmt.Sprintf("/collection/%v/update", collectionId)).Json(body).Do(nil)
}

func (c *client) deleteCollection(collectionId string) error {
	return c.Delete(fmt.Sprintf("/collection/%v", collectionId)).Do(nil)
}

type uploadResponse struct {
	JobId    string `json:"job_id"`
	Message  string `json:"message"`
	Redirect string `json:"redirect"`
}

func (c *client) uploadDefinition(definition string) (uploadResponse, error) {
	var res uploadResponse
	err := c.Post("/upload/definition").File("definition_file", "definition.yaml", []byte(definition)).Do(&res)
	return res, err
}

func (c *client) uploadArchive(jobId, filename string, archive []byte) (uploadResponse, error) {
	var res uploadResponse
	err := c.Post(fmt.Sprintf("/upload/%v/archive", jobId)).File("archive_file", filename, archive).Do(&res)
	return res, err
}

func (c *client) uploadJob(jobId string) (services.UploadJobInfo, error) {
	var res services.UploadJobInfo
	err := c.Get(fmt.Sprintf("/upload/%v", jobId)).Do(&res)
	return res, err
}

func (c *client) listUploadJobs() ([]services.UploadJobInfo, error) {
	var res []services.UploadJobInfo
	err := c.Get("/upload/list").Do(&res)
	return res, err
}

type requestForm struct {
	Collection struct {
		Id    string `json:"id"`
		Name  string `json:"name"`
		Owner string `json:"owner"`
	} `json:"collection"`
	Projects []services.ProjectSummary `json:"projects"`
	Text     string                    `json:"text"`
}

func (c *client) requestForm(collectionId string) (requestForm, error) {
	var res requestForm
	err := c.Get(fmt.Sprintf("/collection/%v/request", collectionId)).Do(&res)
	return res, err
}

type requestResponse struct {
	RequestId string `json:"request_id"`
	MessageId string `json:"message_id"`
	Redirect  string `json:"redirect"`
}

func (c *client) requestCollection(collectionId string, body map[string]interface{}) (requestResponse, error) {
	var res requestResponse
	err := c.Post(fmt.Sprintf("/collection/%v/request", collectionId)).Json(body).Do(&res)
	return res, err
}

func (c *client) listRequests() ([]services.CollectionRequestInfo, error) {
	var res []services.CollectionRequestInfo
	err := c.Get("/message/requests").Do(&res)
	return res, err
}

func (c *client) approveRequest(requestId string) error {
	return c.Post(fmt.Sprintf("/message/requests/%v/approve", requestId)).Do(nil)
}

func (c *client) rejectRequest(requestId string) error {
	return c.Post(fmt.Sprintf("/message/requests/%v/reject", requestId)).Do(nil)
}

func (c *client) inbox() ([]services.MessageInfo, error) {
	var res []services.MessageInfo
	err := c.Get("/message/inbox").Do(&res)
	return res, err
}

func (c *client) sent() ([]services.MessageInfo, error) {
	var res []services.MessageInfo
	err := c.Get("/message/sent").Do(&res)
	return res, err
}

func (c *client) markRead(messageId string) error {
	return c.Post(fmt.Sprintf("/message/%v/read", messageId)).Do(nil)
}

func (c *client) createProject(body map[string]interface{}) (string, error) {
	var res idResponse
	err := c.Post("/project/create").Json(body).Do(&res)
	return res.ProjectId, err
}

func (c *client) listProjects() ([]services.ProjectInfo, error) {
	var res []services.ProjectInfo
	err := c.Get("/project/list").Do(&res)
	return res, err
}

func (c *client) projectRoles(projectId string) ([]services.ProjectRoleInfo, error) {
	var res []services.ProjectRoleInfo
	err := c.Get(fmt.Sprintf("/project/%v/roles", projectId)).Do(&res)
	return res, err
}

func (c *client) setProjectRole(projectId, userId, role string) error {
	return c.Post(fmt.Sprintf("/project/%v/roles/%v", projectId, userId)).Json(map[string]string{"role": role}).Do(nil)
}

func (c *client) removeProjectRole(projectId, userId string) error {
	return c.Delete(fmt.Sprintf("/project/%v/roles/%v", projectId, userId)).Do(nil)
}
